package market

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinlink-go/internal/signal"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func tick(offset time.Duration, price, volume float64) signal.Tick {
	return signal.Tick{
		Symbol: "BTCUSDT",
		Price:  decimal.NewFromFloat(price),
		Volume: decimal.NewFromFloat(volume),
		Ts:     t0.Add(offset),
		Source: "test",
	}
}

func apply(t *testing.T, s *State, tk signal.Tick) Snapshot {
	t.Helper()
	snap, err := s.Apply(tk)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	return snap
}

func TestChangeFallsBackToEarliestSample(t *testing.T) {
	s := NewState(Config{Symbol: "BTCUSDT"})
	apply(t, s, tick(0, 119000, 1))
	snap := apply(t, s, tick(30*time.Second, 121600, 1))
	want := (121600.0 - 119000.0) / 119000.0 * 100
	if math.Abs(snap.Change1mPct-want) > 1e-9 {
		t.Fatalf("expected %.4f got %.4f", want, snap.Change1mPct)
	}
}

func TestChangeUsesSampleSixtySecondsBack(t *testing.T) {
	s := NewState(Config{})
	apply(t, s, tick(0, 100, 1))
	apply(t, s, tick(30*time.Second, 101, 1))
	snap := apply(t, s, tick(70*time.Second, 102, 1))
	if math.Abs(snap.Change1mPct-2) > 1e-9 {
		t.Fatalf("expected 2%% against t0 anchor, got %.4f", snap.Change1mPct)
	}
	snap = apply(t, s, tick(95*time.Second, 103, 1))
	want := (103.0 - 101.0) / 101.0 * 100
	if math.Abs(snap.Change1mPct-want) > 1e-9 {
		t.Fatalf("expected %.4f against 30s anchor, got %.4f", want, snap.Change1mPct)
	}
}

func TestLevelsExcludeCurrentTick(t *testing.T) {
	s := NewState(Config{LevelsWarmup: time.Nanosecond})
	apply(t, s, tick(0, 100, 1))
	apply(t, s, tick(time.Second, 105, 1))
	snap := apply(t, s, tick(2*time.Second, 110, 1))
	if snap.Support != 100 || snap.Resistance != 105 {
		t.Fatalf("unexpected levels %.2f/%.2f", snap.Support, snap.Resistance)
	}
	if !snap.LevelsReady {
		t.Fatalf("expected levels ready")
	}
}

func TestLevelsEvictOutsideLookback(t *testing.T) {
	s := NewState(Config{LevelsLookback: time.Minute})
	apply(t, s, tick(0, 50, 1))
	apply(t, s, tick(40*time.Second, 100, 1))
	snap := apply(t, s, tick(90*time.Second, 101, 1))
	if snap.Support != 100 {
		t.Fatalf("expected stale low evicted, support=%.2f", snap.Support)
	}
}

func TestLevelsNotReadyBeforeWarmup(t *testing.T) {
	s := NewState(Config{LevelsWarmup: 5 * time.Minute})
	apply(t, s, tick(0, 100, 1))
	snap := apply(t, s, tick(time.Minute, 101, 1))
	if snap.LevelsReady {
		t.Fatalf("levels should not be ready after one minute")
	}
	snap = apply(t, s, tick(5*time.Minute, 102, 1))
	if !snap.LevelsReady {
		t.Fatalf("levels should be ready after warm-up")
	}
}

func TestSupportNeverAboveResistance(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := NewState(Config{LevelsLookback: 10 * time.Minute, LevelsWarmup: time.Minute})
	px := 30000.0
	offset := time.Duration(0)
	for i := 0; i < 3000; i++ {
		px *= 1 + (rng.Float64()-0.5)*0.01
		offset += time.Duration(1+rng.Intn(5)) * time.Second
		snap := apply(t, s, tick(offset, px, rng.Float64()))
		if snap.LevelsReady && snap.Support > snap.Resistance {
			t.Fatalf("support %.2f above resistance %.2f at %d", snap.Support, snap.Resistance, i)
		}
		if snap.RSI < 0 || snap.RSI > 100 {
			t.Fatalf("rsi out of range %.2f", snap.RSI)
		}
	}
}

func TestVolumeRatio(t *testing.T) {
	s := NewState(Config{})
	var snap Snapshot
	for sec := 10; sec <= 300; sec += 10 {
		snap = apply(t, s, tick(time.Duration(sec)*time.Second, 100, 1))
	}
	if snap.VolumeRatio > 1.5 {
		t.Fatalf("steady volume should not look like a spike, ratio %.4f", snap.VolumeRatio)
	}
	snap = apply(t, s, tick(305*time.Second, 100, 60))
	if snap.VolumeRatio <= 3 {
		t.Fatalf("expected spike ratio above 3, got %.4f", snap.VolumeRatio)
	}
}

func TestFirstTickIsNotASpike(t *testing.T) {
	s := NewState(Config{})
	snap := apply(t, s, tick(0, 100, 25))
	if snap.VolumeRatio != 1 {
		t.Fatalf("expected ratio 1 on first tick, got %.4f", snap.VolumeRatio)
	}
}

func TestVersionsIncrease(t *testing.T) {
	s := NewState(Config{})
	for i := 1; i <= 5; i++ {
		snap := apply(t, s, tick(time.Duration(i)*time.Second, 100, 1))
		if snap.Version != uint64(i) {
			t.Fatalf("expected version %d got %d", i, snap.Version)
		}
	}
}

func TestOutOfOrderRejected(t *testing.T) {
	s := NewState(Config{})
	apply(t, s, tick(10*time.Second, 100, 1))
	_, err := s.Apply(tick(5*time.Second, 101, 1))
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if s.Version() != 1 {
		t.Fatalf("rejected tick must not bump version")
	}
}

func TestStaleFlagCarried(t *testing.T) {
	s := NewState(Config{})
	tk := tick(0, 100, 1)
	tk.Stale = true
	if snap := apply(t, s, tk); !snap.Stale {
		t.Fatalf("expected stale snapshot")
	}
}
