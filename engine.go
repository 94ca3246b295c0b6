package pinroute

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var ErrEngineClosed = errors.New("engine closed")

// minEvictionInterval bounds how often idle profiles are looked for.
const minEvictionInterval = time.Minute

// Engine ties the pipeline together: parse, fingerprint, route, remember the
// pending connection, and learn from its outcome.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	metrics *Metrics
	backend Backend

	store      *ReputationStore
	correlator *OutcomeCorrelator
	router     *Router

	started atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an Engine over backend, which it takes ownership of and closes
// on Close. A nil backend keeps everything in memory. ctx bounds the initial
// load of stored profiles.
func New(ctx context.Context, cfg Config, backend Backend, logger *zap.Logger, metrics *Metrics) (*Engine, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if backend == nil {
		backend = NewMemoryBackend()
	}

	store, err := NewReputationStore(ctx, cfg, backend, logger.Named("reputation"), metrics)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		backend:    backend,
		store:      store,
		correlator: NewOutcomeCorrelator(cfg.PendingTTL, cfg.SweepInterval, logger.Named("correlator"), metrics),
		router:     NewRouter(store, cfg.PinnedDomains),
	}, nil
}

// Start launches the background tasks: the pending connection sweep and,
// if configured, idle profile eviction. They stop when ctx is done or the
// engine is closed.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.correlator.Run(ctx)
	}()

	if e.cfg.ProfileIdleEviction > 0 {
		every := e.cfg.ProfileIdleEviction / 4
		if every < minEvictionInterval {
			every = minEvictionInterval
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			t := time.NewTicker(every)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-t.C:
					e.store.EvictIdle(now)
				}
			}
		}()
	}
	return nil
}

// HandleClientHello routes a new connection from addr given the raw records
// carrying its ClientHello. It always returns a verdict: a ClientHello that
// cannot be parsed is routed with the default decision.
func (e *Engine) HandleClientHello(addr string, record []byte) Decision {
	p, err := ParseClientHello(record)
	if err != nil {
		e.metrics.clientHello(false)
		e.logger.Debug("unparseable ClientHello, using default route",
			zap.String("addr", addr), zap.Error(err))
		d := e.router.Decide(nil)
		e.metrics.decision(d)
		return d
	}
	e.metrics.clientHello(true)

	fp := NewFingerprint(p, addr, time.Now())
	d := e.router.Decide(fp)
	e.metrics.decision(d)

	if err := e.correlator.Begin(NewPendingKey(addr, fp.SNI), fp); err != nil {
		e.logger.Debug("not tracking connection", zap.String("addr", addr), zap.Error(err))
	}
	e.logger.Debug("routed connection",
		zap.String("addr", addr),
		zap.String("sni", fp.SNI),
		zap.String("ja3", fp.JA3),
		zap.String("ja4", fp.JA4),
		zap.Stringer("verdict", d.Verdict),
		zap.Float64("confidence", d.Confidence),
		zap.String("source", d.Source),
	)
	return d
}

// ReportSuccess records that the connection from addr for serverName was
// intercepted without trouble. It returns the updated profile, or false if
// no pending connection matched.
func (e *Engine) ReportSuccess(addr, serverName string) (AppProfile, bool) {
	return e.report(addr, serverName, Success())
}

// ReportFailure records that the connection from addr for serverName failed,
// typically because the client rejected the proxy certificate.
func (e *Engine) ReportFailure(addr, serverName, reason string) (AppProfile, bool) {
	return e.report(addr, serverName, Failure(reason))
}

func (e *Engine) report(addr, serverName string, o Outcome) (AppProfile, bool) {
	if e.closed.Load() {
		return AppProfile{}, false
	}
	fp, ok := e.correlator.Resolve(NewPendingKey(addr, serverName))
	if !ok {
		e.metrics.lateOutcome()
		return AppProfile{}, false
	}
	e.metrics.outcome(o)
	return e.store.RecordObservation(fp, o), true
}

// Lookup returns what is known about fp, consulting the backend if needed.
func (e *Engine) Lookup(ctx context.Context, fp *Fingerprint) (AppProfile, bool) {
	return e.store.Lookup(ctx, fp)
}

// Decide routes fp without tracking a connection.
func (e *Engine) Decide(fp *Fingerprint) Decision {
	return e.router.Decide(fp)
}

// Prime registers a fingerprint seen out of band, e.g. in a capture, without
// an outcome.
func (e *Engine) Prime(fp *Fingerprint) bool {
	return e.store.Prime(fp)
}

// Store exposes the reputation store.
func (e *Engine) Store() *ReputationStore {
	return e.store
}

// Pending returns the pending connection for addr and serverName, if any,
// without consuming it.
func (e *Engine) Pending(addr, serverName string) *PendingConnection {
	return e.correlator.Peek(NewPendingKey(addr, serverName))
}

// Close stops background work, flushes pending writes within ctx and closes
// the backend. Outcomes reported afterwards are ignored.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrEngineClosed
	}
	e.correlator.Close()
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	var errs []error
	if err := e.store.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
