package audio

import "time"

const (
	// CaptureSampleRate is the microphone rate expected by the remote service.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of synthesised audio returned by the
	// remote service. It intentionally differs from [CaptureSampleRate].
	PlaybackSampleRate = 24000

	// FrameSize is the number of mono samples per captured frame.
	FrameSize = 4096
)

// Frame is one fixed-size chunk of captured audio. Samples are normalised to
// [-1, 1]. Frames are ephemeral: a consumer encodes them immediately and must
// not retain Samples past the call that received the frame.
type Frame struct {
	// Samples holds mono float samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz (e.g., 16000 for capture).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// EncodedPayload is the wire representation of one audio frame: base64 of
// little-endian 16-bit PCM plus a MIME descriptor such as
// "audio/pcm;rate=16000".
type EncodedPayload struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// Buffer is a decoded, playable block of mono samples.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the buffer at its sample rate.
func (b Buffer) Duration() time.Duration {
	return SamplesDuration(len(b.Samples), b.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// SamplesDuration returns how long n samples last at rate Hz. A non-positive
// rate yields zero.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
