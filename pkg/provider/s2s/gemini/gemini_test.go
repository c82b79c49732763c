package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
	"github.com/MrWong99/voxlive/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket frame and decodes it into v. It reports false
// when the connection ended.
func readJSON(conn *websocket.Conn, v any) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(conn *websocket.Conn, v any) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	_ = conn.Write(ctx, websocket.MessageText, data)
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(conn *websocket.Conn) {
	writeJSON(conn, map[string]any{"setupComplete": map[string]any{}})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server, opts ...gemini.Option) *gemini.Provider {
	return gemini.New("test-api-key", append([]gemini.Option{gemini.WithBaseURL(wsURL(srv))}, opts...)...)
}

func connect(t *testing.T, p *gemini.Provider, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h, err := p.Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

type setupMsg struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"responseModalities"`
			SpeechConfig       *struct {
				VoiceConfig struct {
					PrebuiltVoiceConfig struct {
						VoiceName string `json:"voiceName"`
					} `json:"prebuiltVoiceConfig"`
				} `json:"voiceConfig"`
			} `json:"speechConfig"`
		} `json:"generationConfig"`
		SystemInstruction *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
		InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
		OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
	} `json:"setup"`
}

type realtimeMsg struct {
	RealtimeInput struct {
		MediaChunks []audio.EncodedPayload `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

// ── Connect / setup ──────────────────────────────────────────────────────────

func TestConnect_SendsSetupWithDefaults(t *testing.T) {
	t.Parallel()

	received := make(chan setupMsg, 1)
	keyCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		var msg setupMsg
		if readJSON(conn, &msg) {
			received <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	h := connect(t, newProvider(srv), s2s.SessionConfig{})
	if h.State() != s2s.StateConnecting {
		t.Errorf("state before setupComplete = %v, want connecting", h.State())
	}

	if key := <-keyCh; key != "test-api-key" {
		t.Errorf("api key = %q, want test-api-key", key)
	}

	select {
	case msg := <-received:
		if want := "models/" + gemini.DefaultModel; msg.Setup.Model != want {
			t.Errorf("model = %q, want %q", msg.Setup.Model, want)
		}
		if m := msg.Setup.GenerationConfig.ResponseModalities; len(m) != 1 || m[0] != "AUDIO" {
			t.Errorf("responseModalities = %v, want [AUDIO]", m)
		}
		sc := msg.Setup.GenerationConfig.SpeechConfig
		if sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != gemini.DefaultVoice {
			t.Errorf("voice config = %+v, want %s", sc, gemini.DefaultVoice)
		}
		if msg.Setup.SystemInstruction != nil {
			t.Error("systemInstruction set without instructions")
		}
		if msg.Setup.InputAudioTranscription != nil || msg.Setup.OutputAudioTranscription != nil {
			t.Error("transcription enabled without being requested")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_SetupHonoursSessionConfig(t *testing.T) {
	t.Parallel()

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		if readJSON(conn, &msg) {
			received <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, newProvider(srv, gemini.WithModel("ignored")), s2s.SessionConfig{
		Model:         "custom-model",
		Voice:         "Puck",
		Instructions:  "Be brief.",
		Transcription: true,
	})

	select {
	case msg := <-received:
		if msg.Setup.Model != "models/custom-model" {
			t.Errorf("model = %q, want models/custom-model", msg.Setup.Model)
		}
		if got := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Puck" {
			t.Errorf("voice = %q, want Puck", got)
		}
		si := msg.Setup.SystemInstruction
		if si == nil || len(si.Parts) != 1 || si.Parts[0].Text != "Be brief." {
			t.Errorf("systemInstruction = %+v, want Be brief.", si)
		}
		if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
			t.Error("transcription not requested in setup")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err == nil {
		t.Fatal("Connect succeeded against a non-websocket server")
	}
	if !strings.Contains(err.Error(), "gemini: dial") {
		t.Errorf("err = %v, want gemini: dial prefix", err)
	}
}

// ── Outbound audio ───────────────────────────────────────────────────────────

func TestSend_BufferedUntilSetupCompleteThenFlushedInOrder(t *testing.T) {
	t.Parallel()

	setupSeen := make(chan struct{})
	release := make(chan struct{})
	got := make(chan audio.EncodedPayload, 8)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup setupMsg
		if !readJSON(conn, &setup) {
			return
		}
		close(setupSeen)

		<-release
		sendSetupComplete(conn)
		for range 3 {
			var msg realtimeMsg
			if !readJSON(conn, &msg) {
				return
			}
			for _, c := range msg.RealtimeInput.MediaChunks {
				got <- c
			}
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	h := connect(t, newProvider(srv), s2s.SessionConfig{})
	waitClosed(t, setupSeen, "setup")

	for _, d := range []string{"F1", "F2", "F3"} {
		if err := h.Send(audio.EncodedPayload{Data: d, MIMEType: audio.CaptureMIMEType}); err != nil {
			t.Fatalf("Send(%s): %v", d, err)
		}
	}
	select {
	case <-h.Opened():
		t.Fatal("Opened fired before setupComplete")
	default:
	}
	if h.State() != s2s.StateConnecting {
		t.Errorf("state = %v, want connecting", h.State())
	}

	close(release)
	waitClosed(t, h.Opened(), "Opened")

	for _, want := range []string{"F1", "F2", "F3"} {
		select {
		case c := <-got:
			if c.Data != want || c.MIMEType != "audio/pcm;rate=16000" {
				t.Errorf("chunk = %+v, want %s audio/pcm;rate=16000", c, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
	if h.State() != s2s.StateOpen {
		t.Errorf("state = %v, want open", h.State())
	}
}

func TestSend_AfterCloseFails(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup setupMsg
		readJSON(conn, &setup)
		sendSetupComplete(conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	h := connect(t, newProvider(srv), s2s.SessionConfig{})
	waitClosed(t, h.Opened(), "Opened")
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Send(audio.EncodedPayload{Data: "x"}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("Send after Close: err = %v, want ErrSessionClosed", err)
	}
}

// ── Inbound audio and transcripts ────────────────────────────────────────────

func TestAudio_ForwardsEveryInlinePartUndecoded(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup setupMsg
		readJSON(conn, &setup)
		sendSetupComplete(conn)
		writeJSON(conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAA="}},
						{"text": "thinking"},
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AQA="}},
					},
				},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	h := connect(t, newProvider(srv), s2s.SessionConfig{})

	for _, want := range []string{"AAA=", "AQA="} {
		select {
		case p := <-h.Audio():
			if p.Data != want || p.MIMEType != "audio/pcm;rate=24000" {
				t.Errorf("payload = %+v, want %s", p, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for audio %s", want)
		}
	}
}

func TestTranscripts_InputAndOutput(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup setupMsg
		readJSON(conn, &setup)
		sendSetupComplete(conn)
		writeJSON(conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription":  map[string]any{"text": "hello"},
				"outputTranscription": map[string]any{"text": "hi there"},
				"turnComplete":        true,
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	h := connect(t, newProvider(srv), s2s.SessionConfig{Transcription: true})

	want := []s2s.Transcript{{Role: s2s.RoleUser, Text: "hello"}, {Role: s2s.RoleModel, Text: "hi there"}}
	for _, w := range want {
		select {
		case tr := <-h.Transcripts():
			if tr.Role != w.Role || tr.Text != w.Text {
				t.Errorf("transcript = %+v, want %+v", tr, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for %q", w.Text)
		}
	}
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func TestClose_IdempotentAndDoneOnce(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup setupMsg
		readJSON(conn, &setup)
		sendSetupComplete(conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	h := connect(t, newProvider(srv), s2s.SessionConfig{})
	waitClosed(t, h.Opened(), "Opened")

	for i := range 3 {
		if err := h.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	waitClosed(t, h.Done(), "Done")
	if h.State() != s2s.StateClosed {
		t.Errorf("state = %v, want closed", h.State())
	}
	if h.Err() != nil {
		t.Errorf("Err = %v, want nil after local close", h.Err())
	}
	if _, ok := <-h.Audio(); ok {
		t.Error("Audio channel still open after Close")
	}
	if _, ok := <-h.Transcripts(); ok {
		t.Error("Transcripts channel still open after Close")
	}
}

func TestServerErrorFrame_EndsSessionWithErrRemote(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup setupMsg
		readJSON(conn, &setup)
		sendSetupComplete(conn)
		writeJSON(conn, map[string]any{
			"error": map[string]any{"code": 429, "message": "quota exceeded", "status": "RESOURCE_EXHAUSTED"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	h := connect(t, newProvider(srv), s2s.SessionConfig{})
	waitClosed(t, h.Done(), "Done")

	if h.State() != s2s.StateErrored {
		t.Errorf("state = %v, want errored", h.State())
	}
	if !errors.Is(h.Err(), s2s.ErrRemote) {
		t.Errorf("Err = %v, want ErrRemote", h.Err())
	}
	if !strings.Contains(h.Err().Error(), "quota exceeded") {
		t.Errorf("Err = %v, want server message", h.Err())
	}
}

func TestRemoteNormalClose_EndsCleanly(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup setupMsg
		readJSON(conn, &setup)
		sendSetupComplete(conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	h := connect(t, newProvider(srv), s2s.SessionConfig{})
	waitClosed(t, h.Done(), "Done")

	if h.State() != s2s.StateClosed || h.Err() != nil {
		t.Errorf("state = %v err = %v, want closed <nil>", h.State(), h.Err())
	}
}

func TestRemoteAbnormalClose_EndsWithError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup setupMsg
		readJSON(conn, &setup)
		sendSetupComplete(conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	h := connect(t, newProvider(srv), s2s.SessionConfig{})
	waitClosed(t, h.Done(), "Done")

	if h.State() != s2s.StateErrored {
		t.Errorf("state = %v, want errored", h.State())
	}
	if h.Err() == nil || !strings.Contains(h.Err().Error(), "gemini: read") {
		t.Errorf("Err = %v, want gemini: read error", h.Err())
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	if got := gemini.New("k").Name(); got != "gemini-live" {
		t.Errorf("Name = %q, want gemini-live", got)
	}
}
