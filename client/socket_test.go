package client

import (
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	bo := backoff{base: reconnectBaseDelay, max: reconnectMaxDelay}
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := bo.wait(false); got != w {
			t.Fatalf("wait %d = %v, want %v", i, got, w)
		}
	}
}

func TestBackoffResetsAfterEstablishedSession(t *testing.T) {
	t.Parallel()

	bo := backoff{base: reconnectBaseDelay, max: reconnectMaxDelay}

	// Grow the schedule with a run of straight failures.
	for i := 0; i < 6; i++ {
		bo.wait(false)
	}

	// A drop after a session that authenticated retries from the base
	// delay, not from wherever the failure run left off.
	if got := bo.wait(true); got != reconnectBaseDelay {
		t.Fatalf("post-session wait = %v, want %v", got, reconnectBaseDelay)
	}
	if got := bo.wait(false); got != 2*reconnectBaseDelay {
		t.Fatalf("next wait = %v, want %v", got, 2*reconnectBaseDelay)
	}
}

func TestJitterStaysWithinBand(t *testing.T) {
	t.Parallel()

	for i := 0; i < 200; i++ {
		got := jitter(10 * time.Second)
		if got < 8*time.Second || got > 12*time.Second {
			t.Fatalf("jitter(10s) = %v, outside the 20%% band", got)
		}
	}
}
