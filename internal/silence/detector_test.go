package silence_test

import (
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/earshot/internal/silence"
	"github.com/MrWong99/earshot/pkg/audio"
)

// manualClock is a Clock advanced explicitly by the test.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// frameWithEnergy returns a mono frame whose L2 norm equals e.
func frameWithEnergy(e float64) audio.Frame {
	return audio.Frame{Samples: []float32{float32(e)}, SampleRate: 48000, Channels: 1}
}

func newDetector(t *testing.T, clk *manualClock) *silence.Detector {
	t.Helper()
	return silence.New(
		silence.WithClock(clk),
		silence.WithThreshold(0.01),
		silence.WithWindow(1500*time.Millisecond),
	)
}

func TestDetector_Defaults(t *testing.T) {
	d := silence.New()
	if d.Threshold() != silence.DefaultThreshold {
		t.Errorf("Threshold = %v, want %v", d.Threshold(), silence.DefaultThreshold)
	}
	if d.Window() != silence.DefaultWindow {
		t.Errorf("Window = %v, want %v", d.Window(), silence.DefaultWindow)
	}
}

func TestDetector_Observe(t *testing.T) {
	tests := []struct {
		name       string
		energy     float64
		wantActive bool
	}{
		{"silence", 0, false},
		{"at threshold", 0.01, false},
		{"speech", 0.5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := newManualClock()
			d := newDetector(t, clk)
			clk.Advance(time.Second)
			if got := d.Observe(frameWithEnergy(tt.energy)); got != tt.wantActive {
				t.Fatalf("Observe = %v, want %v", got, tt.wantActive)
			}
			want := time.Second
			if tt.wantActive {
				want = 0
			}
			if got := d.ElapsedSilence(); got != want {
				t.Errorf("ElapsedSilence = %v, want %v", got, want)
			}
		})
	}
}

func TestDetector_ElapsedGrowsDuringSilence(t *testing.T) {
	clk := newManualClock()
	d := newDetector(t, clk)

	var prev time.Duration
	for range 20 {
		clk.Advance(100 * time.Millisecond)
		d.Observe(frameWithEnergy(0))
		el := d.ElapsedSilence()
		if el <= prev {
			t.Fatalf("ElapsedSilence did not increase: %v after %v", el, prev)
		}
		prev = el
	}
	if !d.Silent() {
		t.Error("Silent = false after 2s of silence with a 1.5s window")
	}

	d.Observe(frameWithEnergy(0.5))
	if d.ElapsedSilence() != 0 {
		t.Errorf("ElapsedSilence = %v after speech, want 0", d.ElapsedSilence())
	}
	if d.Silent() {
		t.Error("Silent = true right after speech")
	}
}

func TestDetector_SilentBoundary(t *testing.T) {
	clk := newManualClock()
	d := newDetector(t, clk)

	clk.Advance(1500 * time.Millisecond)
	if d.Silent() {
		t.Error("Silent at exactly the window, want strictly greater")
	}
	if d.Remaining() != 0 {
		t.Errorf("Remaining = %v, want 0", d.Remaining())
	}
	clk.Advance(time.Millisecond)
	if !d.Silent() {
		t.Error("not Silent past the window")
	}
}

func TestDetector_Remaining(t *testing.T) {
	clk := newManualClock()
	d := newDetector(t, clk)
	clk.Advance(400 * time.Millisecond)
	if got := d.Remaining(); got != 1100*time.Millisecond {
		t.Errorf("Remaining = %v, want 1.1s", got)
	}
}

func TestDetector_LastActiveNeverDecreases(t *testing.T) {
	clk := newManualClock()
	d := newDetector(t, clk)

	clk.Advance(time.Second)
	d.Observe(frameWithEnergy(1))
	first := d.LastActive()

	// A clock that steps backwards must not move the timestamp back.
	clk.Advance(-500 * time.Millisecond)
	d.Observe(frameWithEnergy(1))
	d.Reset()
	if got := d.LastActive(); got.Before(first) {
		t.Fatalf("LastActive moved backwards: %v < %v", got, first)
	}
	if d.ElapsedSilence() != 0 {
		t.Errorf("ElapsedSilence = %v, want clamped to 0", d.ElapsedSilence())
	}
}

func TestDetector_Reset(t *testing.T) {
	clk := newManualClock()
	d := newDetector(t, clk)
	clk.Advance(5 * time.Second)
	d.Reset()
	if d.ElapsedSilence() != 0 {
		t.Errorf("ElapsedSilence = %v after Reset, want 0", d.ElapsedSilence())
	}
	select {
	case <-d.Activity():
		t.Error("Reset signalled activity")
	default:
	}
}

func TestDetector_ActivityOnlyAfterSilence(t *testing.T) {
	clk := newManualClock()
	d := newDetector(t, clk)

	// Speech inside the initial window is not a quiet→active crossing.
	clk.Advance(100 * time.Millisecond)
	d.Observe(frameWithEnergy(1))
	select {
	case <-d.Activity():
		t.Fatal("activity signalled without a preceding silence")
	default:
	}

	clk.Advance(2 * time.Second)
	d.Observe(frameWithEnergy(1))
	d.Observe(frameWithEnergy(1))
	select {
	case <-d.Activity():
	default:
		t.Fatal("no activity after silence")
	}
	select {
	case <-d.Activity():
		t.Fatal("activity signalled twice for one crossing")
	default:
	}
}

func TestDetector_SetThresholdAndWindow(t *testing.T) {
	clk := newManualClock()
	d := newDetector(t, clk)

	d.SetThreshold(0.6)
	if d.Observe(frameWithEnergy(0.5)) {
		t.Error("frame below raised threshold counted as active")
	}
	d.SetThreshold(-1)
	if d.Threshold() != 0 {
		t.Errorf("negative threshold not clamped: %v", d.Threshold())
	}

	d.SetWindow(0)
	if d.Window() != 1500*time.Millisecond {
		t.Errorf("zero window accepted: %v", d.Window())
	}
	d.SetWindow(time.Second)
	clk.Advance(1100 * time.Millisecond)
	if !d.Silent() {
		t.Error("not Silent after shrinking the window")
	}
}

func TestDetector_ConcurrentObserveAndRead(t *testing.T) {
	d := silence.New(silence.WithWindow(time.Hour))
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 1000 {
			d.Observe(frameWithEnergy(float64(i % 2)))
		}
	}()
	go func() {
		defer wg.Done()
		for range 1000 {
			if d.ElapsedSilence() < 0 {
				t.Error("negative elapsed silence")
				return
			}
			_ = d.Silent()
		}
	}()
	wg.Wait()
}
