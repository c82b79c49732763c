package audio_test

import (
	"encoding/base64"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/voxlive/pkg/audio"
)

func TestEncodeFrame_SilentFrame(t *testing.T) {
	p := audio.EncodeFrame(make([]float32, audio.FrameSize))

	if p.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q, want audio/pcm;rate=16000", p.MIMEType)
	}
	raw, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		t.Fatalf("payload is not base64: %v", err)
	}
	if len(raw) != audio.FrameSize*2 {
		t.Fatalf("decoded %d bytes, want %d", len(raw), audio.FrameSize*2)
	}
	for i, b := range raw {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}

	samples, err := audio.DecodeFrame(p.Data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if len(samples) != audio.FrameSize {
		t.Fatalf("decoded %d samples, want %d", len(samples), audio.FrameSize)
	}
	for i, s := range samples {
		if s != 0 {
			t.Fatalf("sample %d = %f, want 0", i, s)
		}
	}
}

func TestEncodeFrame_LittleEndianTruncation(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"positive full scale saturates", 1, 32767},
		{"negative full scale", -1, -32768},
		{"above range clamps", 3.5, 32767},
		{"below range clamps", -2, -32768},
		{"half", 0.5, 16384},
		{"truncates toward zero", 0.00005, 1},
		{"truncates negative toward zero", -0.00005, -1},
		{"NaN is silence", float32(math.NaN()), 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := audio.EncodeFrame([]float32{tc.in})
			raw, err := base64.StdEncoding.DecodeString(p.Data)
			if err != nil {
				t.Fatalf("decode base64: %v", err)
			}
			got := int16(uint16(raw[0]) | uint16(raw[1])<<8)
			if got != tc.want {
				t.Errorf("encoded %v as %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

func TestRoundTrip_WithinOneQuantizationStep(t *testing.T) {
	const step = 1.0 / 32768
	rng := rand.New(rand.NewPCG(1, 2))

	samples := make([]float32, audio.FrameSize)
	for i := range samples {
		samples[i] = rng.Float32()*2 - 1
	}
	samples[0], samples[1], samples[2] = -1, 0, 0.999

	got, err := audio.DecodeFrame(audio.EncodeFrame(samples).Data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if len(got) != len(samples) {
		t.Fatalf("len = %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if diff := math.Abs(float64(got[i] - samples[i])); diff > step+1e-9 {
			t.Errorf("sample %d: |%f - %f| = %g exceeds one step", i, got[i], samples[i], diff)
		}
	}
}

func TestRoundTrip_SaturatedValues(t *testing.T) {
	got, err := audio.DecodeFrame(audio.EncodeFrame([]float32{1, 5, -7}).Data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	want := []float32{32767.0 / 32768, 32767.0 / 32768, -1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %f, want %f", i, got[i], want[i])
		}
	}
}

func TestEncodeFrameRate_TagsRate(t *testing.T) {
	p := audio.EncodeFrameRate([]float32{0}, 24000)
	if p.MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("MIMEType = %q", p.MIMEType)
	}
}

func TestDecodeFrame_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed base64", "not*base64!"},
		{"odd byte count", base64.StdEncoding.EncodeToString([]byte{1, 2, 3})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			samples, err := audio.DecodeFrame(tc.data)
			if err == nil {
				t.Fatal("expected error")
			}
			var de *audio.DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error %v is not a *DecodeError", err)
			}
			if samples != nil {
				t.Errorf("expected no samples on error, got %d", len(samples))
			}
		})
	}
}

func TestDecodeFrame_Empty(t *testing.T) {
	samples, err := audio.DecodeFrame("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("len = %d, want 0", len(samples))
	}
}

func TestParseMIMERate(t *testing.T) {
	tests := []struct {
		mime   string
		want   int
		wantOK bool
	}{
		{"audio/pcm;rate=16000", 16000, true},
		{"audio/pcm; rate=24000", 24000, true},
		{"audio/pcm;channels=1;RATE=8000", 8000, true},
		{"audio/pcm", 0, false},
		{"audio/pcm;rate=abc", 0, false},
		{"audio/pcm;rate=-5", 0, false},
		{"", 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.mime, func(t *testing.T) {
			got, ok := audio.ParseMIMERate(tc.mime)
			if got != tc.want || ok != tc.wantOK {
				t.Errorf("ParseMIMERate(%q) = (%d, %v), want (%d, %v)", tc.mime, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}
