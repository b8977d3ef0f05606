package channel

import (
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/xframe/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().SynBackoff
	want := []time.Duration{
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		160 * time.Millisecond,
		320 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}
	for i, w := range want {
		if got := NextBackoffDelay(cfg, i+1, nil); got != w {
			t.Fatalf("attempt%d got=%v want=%v", i+1, got, w)
		}
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 3, rng)
	if got < 500*time.Millisecond || got > 1500*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{HandshakeTimeout: -1}.WithDefaults()
	if cfg.HandshakeTimeout != -1 {
		t.Fatalf("negative timeout should be kept, got=%v", cfg.HandshakeTimeout)
	}
	if cfg.SynBackoff != DefaultConfig().SynBackoff || cfg.MaxMessageBytes != DefaultConfig().MaxMessageBytes {
		t.Fatalf("zero fields not filled: %+v", cfg)
	}
	if got := (Config{}).WithDefaults().HandshakeTimeout; got != 5*time.Second {
		t.Fatalf("default timeout got=%v", got)
	}
}
