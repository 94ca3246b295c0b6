package pinroute

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var ErrCorrelatorClosed = errors.New("outcome correlator closed")

// PendingKey identifies a connection awaiting its outcome: the client's
// remote address (ip:port) and the server name it asked for.
type PendingKey struct {
	Addr       string
	ServerName string
}

// NewPendingKey builds the canonical key. The server name is lowercased and
// a trailing dot removed so both sides of the proxy agree on it.
func NewPendingKey(addr, serverName string) PendingKey {
	return PendingKey{Addr: addr, ServerName: normalizeServerName(serverName)}
}

// PendingConnection is a fingerprinted connection whose outcome is not known
// yet.
type PendingConnection struct {
	Key         PendingKey
	Fingerprint *Fingerprint
	Deadline    time.Time
}

// OutcomeCorrelator remembers the fingerprint of each new connection until
// its success or failure is reported, so the outcome can be attributed.
// Each pending entry is consumed at most once, by Resolve or by expiry.
type OutcomeCorrelator struct {
	pending *sync.Map // PendingKey -> *PendingConnection
	count   atomic.Int64

	ttl   time.Duration
	every time.Duration
	now   func() time.Time

	logger  *zap.Logger
	metrics *Metrics

	closed atomic.Bool
}

// NewOutcomeCorrelator creates a correlator whose entries expire after ttl.
// Run must be started for expired entries to be reclaimed.
func NewOutcomeCorrelator(ttl, sweepEvery time.Duration, logger *zap.Logger, metrics *Metrics) *OutcomeCorrelator {
	if ttl <= 0 {
		ttl = DEFAULT_PENDING_TTL
	}
	if sweepEvery <= 0 {
		sweepEvery = DEFAULT_SWEEP_INTERVAL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutcomeCorrelator{
		pending: new(sync.Map),
		ttl:     ttl,
		every:   sweepEvery,
		now:     time.Now,
		logger:  logger,
		metrics: metrics,
	}
}

// SetClock replaces the time source. Call it before use.
func (oc *OutcomeCorrelator) SetClock(now func() time.Time) {
	oc.now = now
}

// Begin records fp as pending under key, replacing any entry already there.
func (oc *OutcomeCorrelator) Begin(key PendingKey, fp *Fingerprint) error {
	if oc.closed.Load() {
		return ErrCorrelatorClosed
	}
	pc := &PendingConnection{
		Key:         key,
		Fingerprint: fp,
		Deadline:    oc.now().Add(oc.ttl),
	}
	if _, replaced := oc.pending.Swap(key, pc); !replaced {
		oc.metrics.setPending(int(oc.count.Add(1)))
	}
	return nil
}

// Resolve removes the pending entry for key and returns its fingerprint. It
// returns false if there is none or it has expired.
func (oc *OutcomeCorrelator) Resolve(key PendingKey) (*Fingerprint, bool) {
	v, ok := oc.pending.LoadAndDelete(key)
	if !ok {
		oc.logger.Debug("no pending connection for outcome",
			zap.String("addr", key.Addr), zap.String("server_name", key.ServerName))
		return nil, false
	}
	oc.metrics.setPending(int(oc.count.Add(-1)))

	pc := v.(*PendingConnection)
	if oc.now().After(pc.Deadline) {
		oc.metrics.pendingExpired(1)
		oc.logger.Debug("outcome arrived after pending connection expired",
			zap.String("addr", key.Addr), zap.String("server_name", key.ServerName))
		return nil, false
	}
	return pc.Fingerprint, true
}

// Peek returns the pending entry for key without consuming it.
func (oc *OutcomeCorrelator) Peek(key PendingKey) *PendingConnection {
	v, ok := oc.pending.Load(key)
	if !ok {
		return nil
	}
	return v.(*PendingConnection)
}

// Sweep drops every entry whose deadline is before now and returns how many
// were dropped. An entry resolved concurrently is not counted.
func (oc *OutcomeCorrelator) Sweep(now time.Time) int {
	swept := 0
	oc.pending.Range(func(k, v any) bool {
		if now.After(v.(*PendingConnection).Deadline) && oc.pending.CompareAndDelete(k, v) {
			swept++
		}
		return true
	})
	if swept > 0 {
		oc.metrics.setPending(int(oc.count.Add(int64(-swept))))
		oc.metrics.pendingExpired(swept)
		oc.logger.Debug("expired pending connections", zap.Int("expired", swept))
	}
	return swept
}

// Run sweeps periodically until ctx is done.
func (oc *OutcomeCorrelator) Run(ctx context.Context) {
	t := time.NewTicker(oc.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			oc.Sweep(oc.now())
		}
	}
}

// Len is the number of pending entries.
func (oc *OutcomeCorrelator) Len() int {
	return int(oc.count.Load())
}

// Close makes further Begin calls fail. Pending entries can still be
// resolved.
func (oc *OutcomeCorrelator) Close() {
	oc.closed.Store(true)
}
