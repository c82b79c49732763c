// Package portaudio implements [audio.Microphone] and [audio.Speaker] on top
// of the PortAudio C library (github.com/gordonklaus/portaudio).
//
// Both devices use the system default input/output and mono float32
// samples. The library is initialised when the first device opens and
// terminated when the last one closes, so callers never touch the global
// PortAudio lifecycle themselves.
package portaudio

import (
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"
)

var (
	initMu   sync.Mutex
	initRefs int
)

// acquire initialises PortAudio on first use and takes a reference.
func acquire() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		if err := pa.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	initRefs++
	return nil
}

// release drops a reference taken by acquire and terminates PortAudio when
// none remain.
func release() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		return nil
	}
	initRefs--
	if initRefs == 0 {
		if err := pa.Terminate(); err != nil {
			return fmt.Errorf("portaudio: terminate: %w", err)
		}
	}
	return nil
}

// DeviceInfo describes one audio device known to PortAudio.
type DeviceInfo struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}

// ListDevices returns every audio device PortAudio can see.
func ListDevices() ([]DeviceInfo, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	defer release() //nolint:errcheck // nothing useful to do on terminate failure

	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		info := DeviceInfo{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}
