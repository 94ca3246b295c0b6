package pinroute

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestPersister(t *testing.T, backend Backend) *persister {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PersistRetryBase = time.Millisecond
	cfg.PersistRetryMax = 8 * time.Millisecond
	cfg.PersistBatch = 2
	ps := newPersister(backend, cfg, zap.NewNop(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ps.close(ctx)
	})
	return ps
}

func TestPersisterBackoff(t *testing.T) {
	ps := &persister{retryBase: 100 * time.Millisecond, retryMax: time.Second}
	for attempt, want := range map[int]time.Duration{
		0:    100 * time.Millisecond,
		1:    200 * time.Millisecond,
		3:    800 * time.Millisecond,
		4:    time.Second,
		10:   time.Second,
		5000: time.Second,
	} {
		for i := 0; i < 20; i++ {
			got := ps.backoff(attempt)
			lo := time.Duration(float64(want) * (1 - persistJitter))
			hi := time.Duration(float64(want) * (1 + persistJitter))
			if got < lo || got > hi {
				t.Fatalf("backoff(%d) = %v, want within [%v, %v]", attempt, got, lo, hi)
			}
		}
	}
}

func TestPersisterBatches(t *testing.T) {
	backend := NewMemoryBackend()
	ps := newTestPersister(t, backend)

	for _, ja3 := range []string{"a", "b", "c", "d", "e"} {
		ps.enqueue(&AppProfile{JA3: ja3}, &ObservationRecord{JA3: ja3, Success: true})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ps.flush(ctx); err != nil {
		t.Fatal(err)
	}

	n := 0
	backend.ForEachProfile(ctx, func(*AppProfile) error { n++; return nil })
	if n != 5 {
		t.Fatalf("stored %d profiles, want 5", n)
	}
	obs := backend.Observations()
	if len(obs) != 5 || obs[0].JA3 != "a" || obs[4].JA3 != "e" {
		t.Fatalf("observation log out of order: %+v", obs)
	}
}

func TestPersisterKeepsLatestSnapshot(t *testing.T) {
	backend := NewMemoryBackend()
	backend.SetFailure(errors.New("unavailable"))
	ps := newTestPersister(t, backend)

	ps.enqueue(&AppProfile{JA3: "a", HitCount: 1}, nil)
	ps.enqueue(&AppProfile{JA3: "a", HitCount: 2}, nil)
	time.Sleep(20 * time.Millisecond) // let a few writes fail
	ps.enqueue(&AppProfile{JA3: "a", HitCount: 3}, nil)
	backend.SetFailure(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ps.flush(ctx); err != nil {
		t.Fatal(err)
	}
	p, err := backend.LoadProfile(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if p.HitCount != 3 {
		t.Fatalf("stored HitCount %d, want the latest snapshot", p.HitCount)
	}
}

func TestPersisterRequeuePrefersNewer(t *testing.T) {
	ps := &persister{profiles: make(map[string]*AppProfile)}
	ps.profiles["a"] = &AppProfile{JA3: "a", HitCount: 5}
	ps.order = []string{"a"}

	ps.requeue([]*AppProfile{{JA3: "a", HitCount: 4}, {JA3: "b", HitCount: 1}}, []ObservationRecord{{JA3: "a"}})

	if ps.profiles["a"].HitCount != 5 {
		t.Fatal("requeue replaced a newer snapshot")
	}
	if len(ps.order) != 2 || ps.order[0] != "b" {
		t.Fatalf("order = %v", ps.order)
	}
	if ps.pending() != 3 {
		t.Fatalf("pending = %d", ps.pending())
	}
}

func TestPersisterClose(t *testing.T) {
	backend := NewMemoryBackend()
	ps := newPersister(backend, DefaultConfig(), zap.NewNop(), nil)
	ps.enqueue(&AppProfile{JA3: "a"}, nil)

	if err := ps.close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := backend.LoadProfile(context.Background(), "a"); err != nil {
		t.Fatalf("queued profile not written on close: %v", err)
	}
	if err := ps.close(context.Background()); !errors.Is(err, errPersisterClosed) {
		t.Fatalf("second close = %v", err)
	}
	ps.enqueue(&AppProfile{JA3: "b"}, nil)
	if ps.pending() != 0 {
		t.Fatal("enqueue after close was accepted")
	}
}

func TestPersisterCloseWithDeadBackend(t *testing.T) {
	backend := NewMemoryBackend()
	backend.SetFailure(errors.New("gone"))
	ps := newPersister(backend, DefaultConfig(), zap.NewNop(), nil)
	ps.enqueue(&AppProfile{JA3: "a"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ps.close(ctx); err == nil {
		t.Fatal("close reported success with a failing backend")
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.clientHello(true)
	m.decision(Decision{})
	m.outcome(Success())
	m.lateOutcome()
	m.pinTransition(pinPromoted)
	m.setProfiles(1)
	m.setPending(1)
	m.pendingExpired(1)
	m.persistFailure()
	m.observationDropped()
	if m.Registry() != nil {
		t.Fatal("nil Metrics has a registry")
	}
}
