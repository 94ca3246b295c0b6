package pinroute_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/pinroute/pinroute"
)

func newTestCorrelator(ttl time.Duration) (*OutcomeCorrelator, *clock) {
	oc := NewOutcomeCorrelator(ttl, time.Millisecond, nil, nil)
	c := newClock()
	oc.SetClock(c.Now)
	return oc, c
}

func TestPendingKeyNormalized(t *testing.T) {
	if NewPendingKey("192.0.2.1:5000", "WWW.Example.com.") != NewPendingKey("192.0.2.1:5000", "www.example.com") {
		t.Fatal("server name not normalized")
	}
	if NewPendingKey("192.0.2.1:5000", "a.example") == NewPendingKey("192.0.2.1:5001", "a.example") {
		t.Fatal("port ignored")
	}
}

func TestCorrelatorResolveOnce(t *testing.T) {
	oc, _ := newTestCorrelator(time.Minute)
	key := NewPendingKey("192.0.2.1:5000", "www.example.com")
	fp := &Fingerprint{JA3: testJA3}

	if err := oc.Begin(key, fp); err != nil {
		t.Fatal(err)
	}
	if oc.Len() != 1 {
		t.Fatalf("Len = %d", oc.Len())
	}
	if pc := oc.Peek(key); pc == nil || pc.Fingerprint != fp {
		t.Fatalf("Peek = %+v", pc)
	}

	got, ok := oc.Resolve(key)
	if !ok || got != fp {
		t.Fatalf("Resolve = %v, %v", got, ok)
	}
	if _, ok := oc.Resolve(key); ok {
		t.Fatal("resolved twice")
	}
	if oc.Len() != 0 || oc.Peek(key) != nil {
		t.Fatal("entry left behind")
	}
}

func TestCorrelatorBeginReplaces(t *testing.T) {
	oc, _ := newTestCorrelator(time.Minute)
	key := NewPendingKey("192.0.2.1:5000", "www.example.com")
	first, second := &Fingerprint{JA3: testJA3}, &Fingerprint{JA3: otherJA3}

	oc.Begin(key, first)
	oc.Begin(key, second)
	if oc.Len() != 1 {
		t.Fatalf("Len = %d after replacing", oc.Len())
	}
	if got, _ := oc.Resolve(key); got != second {
		t.Fatalf("Resolve = %+v, want the later fingerprint", got)
	}
}

func TestCorrelatorExpiry(t *testing.T) {
	oc, c := newTestCorrelator(time.Minute)
	late := NewPendingKey("192.0.2.1:5000", "late.example.com")
	swept := NewPendingKey("192.0.2.2:5000", "swept.example.com")
	fresh := NewPendingKey("192.0.2.3:5000", "fresh.example.com")

	oc.Begin(late, &Fingerprint{JA3: testJA3})
	oc.Begin(swept, &Fingerprint{JA3: testJA3})
	c.Advance(59 * time.Second)
	oc.Begin(fresh, &Fingerprint{JA3: otherJA3})
	c.Advance(2 * time.Second)

	if _, ok := oc.Resolve(late); ok {
		t.Fatal("resolved an expired entry")
	}
	if n := oc.Sweep(c.Now()); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	if oc.Peek(swept) != nil {
		t.Fatal("expired entry survived the sweep")
	}
	if _, ok := oc.Resolve(fresh); !ok {
		t.Fatal("unexpired entry lost")
	}
	if oc.Len() != 0 {
		t.Fatalf("Len = %d", oc.Len())
	}
}

func TestCorrelatorResolveRacesSweep(t *testing.T) {
	for round := 0; round < 20; round++ {
		oc, c := newTestCorrelator(time.Minute)
		const n = 200
		keys := make([]PendingKey, n)
		for i := range keys {
			keys[i] = NewPendingKey("192.0.2.1:"+strconv.Itoa(1024+i), "race.example")
			oc.Begin(keys[i], &Fingerprint{JA3: testJA3})
		}
		// The sweep sees every entry as expired, Resolve on the stopped
		// clock sees none, so each entry goes to whoever takes it first.
		sweepAt := c.Now().Add(2 * time.Minute)

		var resolved, swept atomic.Int64
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			swept.Add(int64(oc.Sweep(sweepAt)))
		}()
		go func() {
			defer wg.Done()
			for _, k := range keys {
				if _, ok := oc.Resolve(k); ok {
					resolved.Add(1)
				}
			}
		}()
		wg.Wait()

		if resolved.Load()+swept.Load() != n {
			t.Fatalf("round %d: %d resolved + %d swept != %d", round, resolved.Load(), swept.Load(), n)
		}
		if oc.Len() != 0 {
			t.Fatalf("round %d: Len = %d", round, oc.Len())
		}
	}
}

func TestCorrelatorRun(t *testing.T) {
	oc := NewOutcomeCorrelator(time.Millisecond, time.Millisecond, nil, nil)
	oc.Begin(NewPendingKey("192.0.2.1:5000", "run.example"), &Fingerprint{JA3: testJA3})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		oc.Run(ctx)
		close(stopped)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for oc.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Run did not sweep the expired entry")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCorrelatorClose(t *testing.T) {
	oc, _ := newTestCorrelator(time.Minute)
	key := NewPendingKey("192.0.2.1:5000", "closed.example")
	oc.Begin(key, &Fingerprint{JA3: testJA3})
	oc.Close()

	if err := oc.Begin(NewPendingKey("192.0.2.9:5000", "x.example"), &Fingerprint{}); !errors.Is(err, ErrCorrelatorClosed) {
		t.Fatalf("Begin after Close = %v", err)
	}
	if _, ok := oc.Resolve(key); !ok {
		t.Fatal("entry pending at Close could not be resolved")
	}
}
