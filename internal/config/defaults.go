package config

import "time"

// Defaults.
const (
	DefaultBackend         = "portaudio"
	DefaultSampleRate      = 48000
	DefaultChannels        = 2
	DefaultThreshold       = 0.01
	DefaultSilenceWindow   = 1500 * time.Millisecond
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultMaxAttempts     = 3
	DefaultBackoff         = 200 * time.Millisecond
	DefaultMaxBackoff      = time.Second
	DefaultTargetRate      = 16000
	DefaultMaxConcurrency  = 2
	DefaultMaxPending      = 16
	DefaultJobTimeout      = 2 * time.Minute
	DefaultBeamSize        = 10
	DefaultBestOf          = 10
	DefaultLanguage        = "ja"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultBatchSize       = 32
	DefaultFlushInterval   = time.Second
	DefaultQueueSize       = 256
)

// ApplyDefaults fills every unset field of cfg with its default. Zero is
// treated as unset, except for Transcription.Ordered (nil means unset) and
// Decode.Temperature (zero is the default).
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	c := &cfg.Capture
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.Device == "" {
		c.Device = "default"
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels == 0 {
		c.Channels = DefaultChannels
	}

	d := &cfg.Detection
	if d.Threshold == 0 {
		d.Threshold = DefaultThreshold
	}
	if d.SilenceWindow == 0 {
		d.SilenceWindow = DefaultSilenceWindow
	}
	if d.PollInterval == 0 {
		d.PollInterval = DefaultPollInterval
	}

	r := &cfg.Restart
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.Backoff == 0 {
		r.Backoff = DefaultBackoff
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = DefaultMaxBackoff
	}

	t := &cfg.Transcription
	if t.TargetRate == 0 {
		t.TargetRate = DefaultTargetRate
	}
	if t.MaxConcurrency == 0 {
		t.MaxConcurrency = DefaultMaxConcurrency
	}
	if t.MaxPending == 0 {
		t.MaxPending = DefaultMaxPending
	}
	if t.Timeout == 0 {
		t.Timeout = DefaultJobTimeout
	}
	if t.Ordered == nil {
		ordered := true
		t.Ordered = &ordered
	}
	if t.Decode.BeamSize == 0 {
		t.Decode.BeamSize = DefaultBeamSize
	}
	if t.Decode.BestOf == 0 {
		t.Decode.BestOf = DefaultBestOf
	}
	if t.Decode.Language == "" {
		t.Decode.Language = DefaultLanguage
	}

	st := &cfg.Storage
	if st.BatchSize == 0 {
		st.BatchSize = DefaultBatchSize
	}
	if st.FlushInterval == 0 {
		st.FlushInterval = DefaultFlushInterval
	}
	if st.QueueSize == 0 {
		st.QueueSize = DefaultQueueSize
	}
}
