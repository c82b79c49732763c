// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio travels as base64-encoded 16-bit PCM in both directions; inbound audio
// is forwarded without decoding so the playback path owns the codec.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	// DefaultModel is the native-audio model used when none is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	// DefaultVoice is the prebuilt voice used when none is configured.
	DefaultVoice = "Kore"

	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	endpointPath   = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	audioBuffer      = 64
	transcriptBuffer = 16
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions that do not name one.
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

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithLogger sets the logger for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	voice   string
	baseURL string
	log     *slog.Logger
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   DefaultModel,
		voice:   DefaultVoice,
		baseURL: defaultBaseURL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements s2s.Provider.
func (p *Provider) Name() string { return "gemini-live" }

// Connect dials the Gemini Live endpoint and writes the setup message. It
// returns as soon as the setup is on the wire; the handle's Opened channel
// closes when the server answers with setupComplete.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	endpoint := p.baseURL + endpointPath + "?key=" + url.QueryEscape(p.apiKey)

	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Audio replies easily exceed the 32 KiB default read limit.
	conn.SetReadLimit(-1)

	if cfg.Model == "" {
		cfg.Model = p.model
	}
	if cfg.Voice == "" {
		cfg.Voice = p.voice
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		SessionBase: s2s.NewSessionBase(cfg.SendBuffer),
		conn:        conn,
		audioCh:     make(chan audio.EncodedPayload, audioBuffer),
		transcripts: make(chan s2s.Transcript, transcriptBuffer),
		ctx:         sessCtx,
		cancel:      sessCancel,
		log:         p.log.With("provider", p.Name(), "model", cfg.Model),
	}

	if err := sess.writeJSON(ctx, buildSetup(cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	sess.wg.Add(3)
	go sess.receiveLoop()
	go sess.writeLoop()
	go sess.keepaliveLoop()
	go func() {
		sess.wg.Wait()
		sess.Finish()
	}()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string                `json:"text,omitempty"`
	InlineData *audio.EncodedPayload `json:"inlineData,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []audio.EncodedPayload `json:"mediaChunks"`
}

// buildSetup translates cfg into the BidiGenerateContent setup message.
func buildSetup(cfg s2s.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + cfg.Model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Transcription {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	*s2s.SessionBase

	conn        *websocket.Conn
	audioCh     chan audio.EncodedPayload
	transcripts chan s2s.Transcript
	log         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// fail records err and tears the connection down. The loops observe the
// cancelled context and exit.
func (s *session) fail(err error) {
	if s.Fail(err) {
		s.log.Warn("gemini: session failed", "err", err)
	}
	s.cancel()
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns audioCh and transcripts: it closes both when it exits.
func (s *session) receiveLoop() {
	defer s.wg.Done()
	defer close(s.transcripts)
	defer close(s.audioCh)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			switch {
			case s.ctx.Err() != nil:
				// Local close or an earlier failure already decided the outcome.
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
				websocket.CloseStatus(err) == websocket.StatusGoingAway:
				s.log.Info("gemini: server closed session")
			default:
				s.fail(fmt.Errorf("gemini: read: %w", err))
			}
			s.cancel()
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("gemini: skipping malformed frame", "err", err, "bytes", len(data))
			continue
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage reports false when the session must end.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		s.fail(fmt.Errorf("%w: gemini: %d %s: %s", s2s.ErrRemote, msg.Error.Code, msg.Error.Status, text))
		return false
	}
	if msg.SetupComplete != nil {
		if s.MarkOpen() {
			s.log.Debug("gemini: setup complete")
		}
	}
	if msg.GoAway != nil {
		s.log.Warn("gemini: server is going away", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.ServerContent != nil {
		return s.handleServerContent(msg.ServerContent)
	}
	return true
}

func (s *session) handleServerContent(sc *serverContent) bool {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			select {
			case s.audioCh <- *p.InlineData:
			case <-s.ctx.Done():
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
		s.log.Debug("gemini: model turn interrupted")
	}
	if sc.TurnComplete {
		s.log.Debug("gemini: model turn complete")
	}
	return true
}

func (s *session) emitTranscript(role, text string) bool {
	select {
	case s.transcripts <- s2s.Transcript{Role: role, Text: text, Timestamp: time.Now()}:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// writeLoop is the only writer of audio frames. It holds queued frames until
// the server acknowledges setup, then flushes them in order.
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
			msg := realtimeInputMessage{
				RealtimeInput: realtimeInput{MediaChunks: []audio.EncodedPayload{p}},
			}
			if err := s.writeJSON(s.ctx, msg); err != nil {
				if s.ctx.Err() == nil {
					s.fail(fmt.Errorf("gemini: write: %w", err))
				}
				return
			}
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil && s.ctx.Err() == nil {
				s.fail(fmt.Errorf("gemini: keepalive: %w", err))
				return
			}
		}
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// Audio returns the channel on which the model's synthesised audio arrives.
func (s *session) Audio() <-chan audio.EncodedPayload { return s.audioCh }

// Transcripts returns the channel on which transcript entries arrive.
func (s *session) Transcripts() <-chan s2s.Transcript { return s.transcripts }

// Close terminates the session and waits until Done is closed. Idempotent.
func (s *session) Close() error {
	if !s.BeginClose() {
		<-s.Done()
		return nil
	}

	s.cancel() // unblocks receiveLoop, writeLoop and keepaliveLoop
	// The cancelled read already tore the socket down, so the close
	// handshake usually reports an error; it carries no information.
	_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	<-s.Done()
	return nil
}
