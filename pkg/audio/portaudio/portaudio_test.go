package portaudio

import (
	"errors"
	"os"
	"testing"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/earshot/pkg/audio/capture"
)

func TestDescribeFlags(t *testing.T) {
	tests := []struct {
		flags pa.StreamCallbackFlags
		want  string
	}{
		{pa.InputOverflow, "input overflow"},
		{pa.InputUnderflow | pa.InputOverflow, "input underflow, input overflow"},
		{pa.PrimingOutput, "priming output"},
	}
	for _, tt := range tests {
		if got := describeFlags(tt.flags); got != tt.want {
			t.Errorf("describeFlags(%d) = %q, want %q", tt.flags, got, tt.want)
		}
	}
}

// requireHardware skips unless EARSHOT_PORTAUDIO_TEST is set, because the
// remaining tests need a working sound stack.
func requireHardware(t *testing.T) *Source {
	t.Helper()
	if os.Getenv("EARSHOT_PORTAUDIO_TEST") == "" {
		t.Skip("EARSHOT_PORTAUDIO_TEST not set; skipping portaudio hardware test")
	}
	src, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func TestSource_Devices(t *testing.T) {
	src := requireHardware(t)
	devices, err := src.Devices()
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	for i, d := range devices {
		if d.Index != i {
			t.Errorf("device %d has Index %d", i, d.Index)
		}
	}
}

func TestSource_OpenMissingDevice(t *testing.T) {
	src := requireHardware(t)
	_, err := src.Open(capture.DeviceSpec{Index: 100000}, capture.StreamConfig{SampleRate: 48000, Channels: 2})
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestSource_OpenTwiceFails(t *testing.T) {
	src := requireHardware(t)
	cfg := capture.StreamConfig{SampleRate: 48000, Channels: 1}
	st, err := src.Open(capture.DefaultDevice, cfg)
	if err != nil {
		t.Skipf("default device cannot be opened: %v", err)
	}
	defer st.Close()

	if _, err := src.Open(capture.DefaultDevice, cfg); !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("second open err = %v, want ErrDeviceUnavailable", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	again, err := src.Open(capture.DefaultDevice, cfg)
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	_ = again.Close()
}
