package session

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func TestInboundLimiter_FrameBurstThenDeny(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)}

	lim := newInboundLimiter(clk.Now, 1, 0, 2)
	if !lim.Allow(10) || !lim.Allow(10) {
		t.Fatalf("expected two frames within burst")
	}
	if lim.Allow(10) {
		t.Fatalf("expected deny after burst")
	}
}

func TestInboundLimiter_Refill(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)}

	lim := newInboundLimiter(clk.Now, 10, 0, 2)
	for i := 0; i < 20; i++ {
		if !lim.Allow(1) {
			t.Fatalf("expected allow at i=%d", i)
		}
	}
	if lim.Allow(1) {
		t.Fatalf("expected deny once tokens exhausted")
	}

	clk.t = clk.t.Add(100 * time.Millisecond)
	if !lim.Allow(1) {
		t.Fatalf("expected allow after refill")
	}
	if lim.Allow(1) {
		t.Fatalf("expected deny without more time")
	}
}

func TestInboundLimiter_Bytes(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)}

	lim := newInboundLimiter(clk.Now, 0, 100, 2)
	if !lim.Allow(150) {
		t.Fatalf("expected allow 150 bytes")
	}
	if lim.Allow(60) {
		t.Fatalf("expected deny 60 bytes")
	}
	clk.t = clk.t.Add(time.Hour)
	if !lim.Allow(200) {
		t.Fatalf("expected refill capped at burst")
	}
	if lim.Allow(1) {
		t.Fatalf("expected burst cap to hold")
	}
}

func TestInboundLimiter_DisabledAllowsAll(t *testing.T) {
	lim := newInboundLimiter(nil, 0, 0, 0)
	if lim != nil {
		t.Fatalf("expected nil limiter")
	}
	if !lim.Allow(1 << 20) {
		t.Fatalf("nil limiter must allow")
	}
}
