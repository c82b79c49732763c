package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CaptureMIMEType is the descriptor attached to every outbound frame.
var CaptureMIMEType = PCMMIMEType(CaptureSampleRate)

// DecodeError reports an inbound payload that could not be turned into
// samples. The frame carrying it must be dropped; it never affects playback
// state.
type DecodeError struct {
	// Len is the length of the offending payload in bytes (base64 text or
	// decoded PCM, depending on the stage that failed).
	Len int
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode frame (%d bytes): %v", e.Len, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeFrame converts normalised samples to a base64 PCM payload tagged
// with [CaptureMIMEType]. See [EncodeFrameRate].
func EncodeFrame(samples []float32) EncodedPayload {
	return EncodeFrameRate(samples, CaptureSampleRate)
}

// EncodeFrameRate clamps each sample to [-1, 1], scales it by 32768,
// saturates to the int16 range and truncates toward zero (no rounding), then
// serialises the result as little-endian 16-bit PCM in base64. NaN encodes as
// silence. Encoding is lossy and never fails.
func EncodeFrameRate(samples []float32, rate int) EncodedPayload {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(floatToInt16(s)))
	}
	return EncodedPayload{
		Data:     base64.StdEncoding.EncodeToString(pcm),
		MIMEType: PCMMIMEType(rate),
	}
}

// DecodeFrame is the inverse of [EncodeFrame]: it base64-decodes data,
// reads little-endian int16 samples and divides each by 32768. Malformed
// base64 or a trailing half sample yields a [*DecodeError].
func DecodeFrame(data string) ([]float32, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, &DecodeError{Len: len(data), Err: err}
	}
	if len(pcm)%2 != 0 {
		return nil, &DecodeError{Len: len(pcm), Err: fmt.Errorf("odd byte count for 16-bit PCM")}
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out, nil
}

// PCMMIMEType returns the descriptor for raw 16-bit PCM at rate Hz.
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// ParseMIMERate extracts the rate parameter from a descriptor such as
// "audio/pcm;rate=24000". It reports false when no valid rate is present.
func ParseMIMERate(mime string) (int, bool) {
	_, params, _ := strings.Cut(mime, ";")
	for p := range strings.SplitSeq(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return 0, false
		}
		return rate, true
	}
	return 0, false
}

func floatToInt16(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	v := float64(s)
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	scaled := v * 32768
	if scaled > math.MaxInt16 {
		scaled = math.MaxInt16
	}
	// float64 → int conversion truncates toward zero.
	return int16(scaled)
}
