package pinroute

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	persistWriteTimeout = 10 * time.Second
	persistJitter       = 0.2
	persistPollInterval = 10 * time.Millisecond

	// maxQueuedObservations bounds the log queue while the backend is down.
	// The oldest records are dropped first; profiles are never dropped since
	// only their latest snapshot is queued.
	maxQueuedObservations = 1 << 16
)

var errPersisterClosed = errors.New("persister closed")

// persister writes profile snapshots and observation records to a Backend
// in the background. Enqueueing never blocks on I/O; failed writes are
// requeued and retried with capped exponential backoff.
type persister struct {
	backend Backend
	logger  *zap.Logger
	metrics *Metrics

	retryBase time.Duration
	retryMax  time.Duration
	batch     int

	mu       sync.Mutex
	profiles map[string]*AppProfile // latest snapshot per JA3
	order    []string               // JA3s in first-dirtied order
	log      []ObservationRecord
	inflight int // items taken by a write that has not finished
	closed   bool

	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

// newPersister starts the background writer; stop it with close.
func newPersister(backend Backend, cfg Config, logger *zap.Logger, metrics *Metrics) *persister {
	ps := &persister{
		backend:   backend,
		logger:    logger,
		metrics:   metrics,
		retryBase: cfg.PersistRetryBase,
		retryMax:  cfg.PersistRetryMax,
		batch:     cfg.PersistBatch,
		profiles:  make(map[string]*AppProfile),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go ps.run()
	return ps
}

// enqueue schedules a profile snapshot and, if rec is not nil, a log record.
// p must not be modified by the caller afterwards.
func (ps *persister) enqueue(p *AppProfile, rec *ObservationRecord) {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return
	}
	if p != nil {
		if _, queued := ps.profiles[p.JA3]; !queued {
			ps.order = append(ps.order, p.JA3)
		}
		ps.profiles[p.JA3] = p
	}
	if rec != nil {
		if len(ps.log) >= maxQueuedObservations {
			ps.log = ps.log[1:]
			ps.metrics.observationDropped()
		}
		ps.log = append(ps.log, *rec)
	}
	ps.mu.Unlock()

	select {
	case ps.wake <- struct{}{}:
	default:
	}
}

// take removes up to batch profiles and records from the queue.
func (ps *persister) take() ([]*AppProfile, []ObservationRecord) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	n := len(ps.order)
	if n > ps.batch {
		n = ps.batch
	}
	profiles := make([]*AppProfile, 0, n)
	for _, ja3 := range ps.order[:n] {
		profiles = append(profiles, ps.profiles[ja3])
		delete(ps.profiles, ja3)
	}
	ps.order = append(ps.order[:0:0], ps.order[n:]...)

	m := len(ps.log)
	if m > ps.batch {
		m = ps.batch
	}
	records := append([]ObservationRecord(nil), ps.log[:m]...)
	ps.log = append(ps.log[:0:0], ps.log[m:]...)
	ps.inflight = n + m
	return profiles, records
}

func (ps *persister) done() {
	ps.mu.Lock()
	ps.inflight = 0
	ps.mu.Unlock()
}

// requeue puts back what a failed write took, unless a newer snapshot of
// the same profile was queued meanwhile.
func (ps *persister) requeue(profiles []*AppProfile, records []ObservationRecord) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.inflight = 0
	var front []string
	for _, p := range profiles {
		if _, newer := ps.profiles[p.JA3]; newer {
			continue
		}
		ps.profiles[p.JA3] = p
		front = append(front, p.JA3)
	}
	ps.order = append(front, ps.order...)

	log := append(records, ps.log...)
	if over := len(log) - maxQueuedObservations; over > 0 {
		log = log[over:]
	}
	ps.log = log
}

func (ps *persister) pending() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.order) + len(ps.log) + ps.inflight
}

// queued reports whether a snapshot of ja3 may still be unwritten.
func (ps *persister) queued(ja3 string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	_, ok := ps.profiles[ja3]
	return ok || ps.inflight > 0
}

// flush waits for the queue to drain.
func (ps *persister) flush(ctx context.Context) error {
	t := time.NewTicker(persistPollInterval)
	defer t.Stop()
	for ps.pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// flushOnce writes one batch. It returns (true, nil) when the queue was
// already empty.
func (ps *persister) flushOnce(ctx context.Context) (bool, error) {
	profiles, records := ps.take()
	if len(profiles) == 0 && len(records) == 0 {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, persistWriteTimeout)
	defer cancel()

	if len(profiles) > 0 {
		if err := ps.backend.SaveProfiles(ctx, profiles); err != nil {
			ps.requeue(profiles, records)
			return false, err
		}
	}
	if len(records) > 0 {
		if err := ps.backend.AppendObservations(ctx, records); err != nil {
			ps.requeue(nil, records)
			return false, err
		}
	}
	ps.done()
	return false, nil
}

func (ps *persister) backoff(attempt int) time.Duration {
	d := float64(ps.retryBase) * math.Pow(2, float64(attempt))
	if d > float64(ps.retryMax) || math.IsInf(d, 0) {
		d = float64(ps.retryMax)
	}
	d *= 1 + persistJitter*(2*rand.Float64()-1) // skipcq: GSC-G404
	return time.Duration(d)
}

// run drains the queue until stop is closed.
func (ps *persister) run() {
	defer close(ps.stopped)

	attempt := 0
	for {
		select {
		case <-ps.stop:
			return
		case <-ps.wake:
		}

		for {
			empty, err := ps.flushOnce(context.Background())
			if err == nil {
				attempt = 0
				if empty {
					break
				}
				continue
			}

			ps.metrics.persistFailure()
			delay := ps.backoff(attempt)
			ps.logger.Warn("persisting reputation state failed, will retry",
				zap.Error(err),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", delay),
				zap.Int("queued", ps.pending()),
			)
			attempt++

			t := time.NewTimer(delay)
			select {
			case <-ps.stop:
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

// close stops the worker and makes a last attempt to write what is queued,
// bounded by ctx.
func (ps *persister) close(ctx context.Context) error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return errPersisterClosed
	}
	ps.closed = true
	ps.mu.Unlock()

	close(ps.stop)
	<-ps.stopped

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		empty, err := ps.flushOnce(ctx)
		if err != nil {
			ps.logger.Error("dropping unpersisted reputation state on shutdown",
				zap.Error(err), zap.Int("queued", ps.pending()))
			return err
		}
		if empty {
			return nil
		}
	}
}
