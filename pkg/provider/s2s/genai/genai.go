// Package genai implements the s2s.Provider interface for Gemini Live on top
// of the official google.golang.org/genai SDK.
//
// It offers the same contract as the hand-rolled gemini package. The SDK
// owns the websocket and the JSON protocol; this package adds the outbound
// queue, the lifecycle signals and the translation between raw PCM bytes
// and base64 payloads.
package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	// DefaultModel is the native-audio model used when none is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	// DefaultVoice is the prebuilt voice used when none is configured.
	DefaultVoice = "Kore"

	audioBuffer      = 64
	transcriptBuffer = 16
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions that do not name one.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithVoice sets the prebuilt voice used for sessions that do not name one.
func WithVoice(voice string) Option {
	return func(p *Provider) {
		if voice != "" {
			p.voice = voice
		}
	}
}

// WithBaseURL overrides the API base URL the SDK derives its websocket
// endpoint from.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLogger sets the logger for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// Provider implements s2s.Provider through the genai SDK's Live client.
type Provider struct {
	apiKey  string
	model   string
	voice   string
	baseURL string
	log     *slog.Logger

	mu     sync.Mutex
	client *genai.Client
}

// New creates a Provider for the Gemini API backend. The SDK client is
// created lazily on the first Connect.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey: apiKey,
		model:  DefaultModel,
		voice:  DefaultVoice,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements s2s.Provider.
func (p *Provider) Name() string { return "genai" }

func (p *Provider) getClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	cc := &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}
	p.client = client
	return client, nil
}

// Connect opens a Live session. The SDK sends the setup message during
// Connect; setupComplete arrives through the receive loop.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		cfg.Model = p.model
	}
	if cfg.Voice == "" {
		cfg.Voice = p.voice
	}

	live, err := client.Live.Connect(ctx, cfg.Model, buildConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w", err)
	}
	return newSession(live, cfg, p.log.With("provider", p.Name(), "model", cfg.Model)), nil
}

// buildConfig translates cfg into the SDK's connect configuration.
func buildConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Transcription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// ── session ────────────────────────────────────────────────────────────────────

// liveConn is the part of *genai.Session the session loops use.
type liveConn interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type session struct {
	*s2s.SessionBase

	conn        liveConn
	audioCh     chan audio.EncodedPayload
	transcripts chan s2s.Transcript
	log         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

func newSession(conn liveConn, cfg s2s.SessionConfig, log *slog.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		SessionBase: s2s.NewSessionBase(cfg.SendBuffer),
		conn:        conn,
		audioCh:     make(chan audio.EncodedPayload, audioBuffer),
		transcripts: make(chan s2s.Transcript, transcriptBuffer),
		log:         log,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.wg.Add(2)
	go s.receiveLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		s.Finish()
	}()
	return s
}

// shutdown cancels the loops and closes the SDK session, which unblocks a
// pending Receive.
func (s *session) shutdown() {
	s.cancel()
	s.closeOnce.Do(func() {
		if err := s.conn.Close(); err != nil {
			s.log.Debug("genai: close", "err", err)
		}
	})
}

func (s *session) fail(err error) {
	if s.Fail(err) {
		s.log.Warn("genai: session failed", "err", err)
	}
	s.shutdown()
}

// isNormalClosure reports whether err is the websocket close the server
// sends when it ends a session on purpose.
func isNormalClosure(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}

// receiveLoop owns audioCh and transcripts and closes both when it exits.
func (s *session) receiveLoop() {
	defer s.wg.Done()
	defer close(s.transcripts)
	defer close(s.audioCh)

	for {
		msg, err := s.conn.Receive()
		if err != nil {
			switch {
			case s.ctx.Err() != nil:
			case isNormalClosure(err):
				s.log.Info("genai: server closed session")
			default:
				s.fail(fmt.Errorf("genai: receive: %w", err))
			}
			s.shutdown()
			return
		}
		if !s.handle(msg) {
			return
		}
	}
}

// handle reports false when the session must stop reading.
func (s *session) handle(msg *genai.LiveServerMessage) bool {
	if msg == nil {
		return true
	}
	if msg.SetupComplete != nil && s.MarkOpen() {
		s.log.Debug("genai: setup complete")
	}
	if msg.GoAway != nil {
		s.log.Warn("genai: server is going away", "time_left", msg.GoAway.TimeLeft)
	}
	sc := msg.ServerContent
	if sc == nil {
		return true
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			if !s.emitAudio(p.InlineData) {
				return false
			}
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emitTranscript(s2s.RoleUser, sc.InputTranscription.Text) {
			return false
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emitTranscript(s2s.RoleModel, sc.OutputTranscription.Text) {
			return false
		}
	}
	if sc.Interrupted {
		s.log.Debug("genai: model turn interrupted")
	}
	return true
}

// emitAudio re-wraps raw PCM in a base64 payload so playback decodes SDK
// and websocket audio the same way.
func (s *session) emitAudio(b *genai.Blob) bool {
	mime := b.MIMEType
	if mime == "" {
		mime = audio.PCMMIMEType(audio.PlaybackSampleRate)
	}
	p := audio.EncodedPayload{
		Data:     base64.StdEncoding.EncodeToString(b.Data),
		MIMEType: mime,
	}
	select {
	case s.audioCh <- p:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) emitTranscript(role, text string) bool {
	select {
	case s.transcripts <- s2s.Transcript{Role: role, Text: text, Timestamp: time.Now()}:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// writeLoop is the only caller of SendRealtimeInput. It holds queued frames
// until setup completes.
func (s *session) writeLoop() {
	defer s.wg.Done()

	select {
	case <-s.Opened():
	case <-s.ctx.Done():
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case p := <-s.Outbox():
			pcm, err := base64.StdEncoding.DecodeString(p.Data)
			if err != nil {
				s.log.Warn("genai: dropping malformed outbound frame", "err", err)
				continue
			}
			err = s.conn.SendRealtimeInput(genai.LiveRealtimeInput{
				Audio: &genai.Blob{MIMEType: p.MIMEType, Data: pcm},
			})
			if err != nil {
				if s.ctx.Err() == nil {
					s.fail(fmt.Errorf("genai: send: %w", err))
				}
				return
			}
		}
	}
}

func (s *session) Audio() <-chan audio.EncodedPayload { return s.audioCh }

func (s *session) Transcripts() <-chan s2s.Transcript { return s.transcripts }

// Close ends the session and waits until Done is closed. Idempotent.
func (s *session) Close() error {
	if s.BeginClose() {
		s.shutdown()
	}
	<-s.Done()
	return nil
}
