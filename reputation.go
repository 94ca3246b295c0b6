package pinroute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	learnedProfileName = "unknown"
	refillTimeout      = 2 * time.Second
)

// ReputationStore maps JA3 digests to AppProfiles. The in-memory view is
// authoritative; every mutation is also queued for the Backend.
//
// Published profiles are never modified. An update clones the current
// profile, changes the clone and swaps the pointer under the write lock, so
// readers see either the old or the new profile as a whole.
type ReputationStore struct {
	cfg     Config
	backend Backend
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time

	mu       sync.RWMutex
	profiles map[string]*AppProfile
	evicted  map[string]struct{} // dropped from memory, still in the backend

	persist *persister
}

// NewReputationStore seeds the store with the baseline table, then loads what
// backend already holds. A backend that cannot be read is logged and the
// store starts from the baseline alone.
func NewReputationStore(ctx context.Context, cfg Config, backend Backend, logger *zap.Logger, metrics *Metrics) (*ReputationStore, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if backend == nil {
		backend = NewMemoryBackend()
	}

	baseline := append([]BaselineEntry(nil), DefaultBaseline...)
	if cfg.BaselineFile != "" {
		extra, err := LoadBaselineFile(cfg.BaselineFile)
		if err != nil {
			return nil, err
		}
		baseline = append(baseline, extra...)
	}

	s := &ReputationStore{
		cfg:      cfg,
		backend:  backend,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		profiles: make(map[string]*AppProfile, len(baseline)),
		evicted:  make(map[string]struct{}),
	}
	for _, e := range baseline {
		// Later entries (the baseline file) override the compiled-in table.
		s.profiles[strings.ToLower(e.JA3)] = e.profile()
	}

	loaded := 0
	err := backend.ForEachProfile(ctx, func(stored *AppProfile) error {
		s.profiles[stored.JA3] = mergeStored(s.profiles[stored.JA3], stored)
		loaded++
		return nil
	})
	if err != nil {
		logger.Warn("could not load stored profiles, starting from baseline",
			zap.Error(err), zap.Int("loaded", loaded))
	}
	logger.Info("reputation store ready",
		zap.Int("baseline", len(baseline)), zap.Int("stored", loaded), zap.Int("profiles", len(s.profiles)))
	metrics.setProfiles(len(s.profiles))

	s.persist = newPersister(backend, cfg, logger, metrics)
	return s, nil
}

// mergeStored combines a stored profile with the baseline entry for the same
// JA3, if any. Learned state wins; the baseline keeps its labels and flag.
func mergeStored(base, stored *AppProfile) *AppProfile {
	if base == nil {
		return stored
	}
	p := stored.clone()
	p.Baseline = true
	if base.Name != "" {
		p.Name = base.Name
	}
	if base.Category != "" {
		p.Category = base.Category
	}
	for _, d := range base.Domains {
		p.addDomain(d)
	}
	return p
}

// SetClock replaces the time source, for tests.
func (s *ReputationStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Peek returns the in-memory profile for ja3 without touching the backend.
func (s *ReputationStore) Peek(ja3 string) (AppProfile, bool) {
	s.mu.RLock()
	p, ok := s.profiles[ja3]
	s.mu.RUnlock()
	if !ok {
		return AppProfile{}, false
	}
	return *p.clone(), true
}

// Lookup returns the profile for fp, falling back to the backend when it is
// not in memory and caching what the backend returns.
func (s *ReputationStore) Lookup(ctx context.Context, fp *Fingerprint) (AppProfile, bool) {
	if fp == nil {
		return AppProfile{}, false
	}
	if p, ok := s.Peek(fp.JA3); ok {
		return p, true
	}

	stored, err := s.backend.LoadProfile(ctx, fp.JA3)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("backend lookup failed", zap.String("ja3", fp.JA3), zap.Error(err))
		}
		return AppProfile{}, false
	}

	s.mu.Lock()
	p, ok := s.profiles[stored.JA3]
	if !ok {
		p = stored
		s.profiles[stored.JA3] = p
		delete(s.evicted, stored.JA3)
	}
	n := len(s.profiles)
	s.mu.Unlock()
	s.metrics.setProfiles(n)

	return *p.clone(), true
}

// refill brings an evicted profile back into memory before it is updated,
// so the update does not start from scratch.
func (s *ReputationStore) refill(ja3 string) {
	ctx, cancel := context.WithTimeout(context.Background(), refillTimeout)
	defer cancel()
	_, _ = s.Lookup(ctx, &Fingerprint{JA3: ja3})
}

func (s *ReputationStore) needsRefill(ja3 string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, present := s.profiles[ja3]
	_, gone := s.evicted[ja3]
	return !present && gone
}

// RecordObservation attributes an outcome to fp's profile, creating a
// learned profile on first sight, and re-evaluates its pinning status. It
// returns the updated profile. It does not wait for the backend.
func (s *ReputationStore) RecordObservation(fp *Fingerprint, o Outcome) AppProfile {
	if s.needsRefill(fp.JA3) {
		s.refill(fp.JA3)
	}
	sni := normalizeServerName(fp.SNI)

	s.mu.Lock()
	now := s.now()
	next := s.mutable(fp.JA3, now)
	decision := s.apply(next, sni, o, now)
	s.profiles[fp.JA3] = next
	delete(s.evicted, fp.JA3)
	n := len(s.profiles)
	s.mu.Unlock()

	s.report(next, decision)
	s.metrics.setProfiles(n)
	s.persist.enqueue(next, &ObservationRecord{
		Timestamp: now,
		JA3:       fp.JA3,
		SNI:       sni,
		Success:   o.Success,
		Reason:    o.Reason,
	})
	return *next.clone()
}

// Prime registers fp and its SNI without recording an outcome. It reports
// whether a new profile was created.
func (s *ReputationStore) Prime(fp *Fingerprint) bool {
	if s.needsRefill(fp.JA3) {
		s.refill(fp.JA3)
	}

	s.mu.Lock()
	now := s.now()
	_, existed := s.profiles[fp.JA3]
	next := s.mutable(fp.JA3, now)
	next.addDomain(normalizeServerName(fp.SNI))
	if next.LastSeen.Before(now) {
		next.LastSeen = now
	}
	s.profiles[fp.JA3] = next
	delete(s.evicted, fp.JA3)
	n := len(s.profiles)
	s.mu.Unlock()

	s.metrics.setProfiles(n)
	s.persist.enqueue(next, nil)
	return !existed
}

// mutable returns a private copy of the profile for ja3, or a fresh learned
// profile. s.mu must be held.
func (s *ReputationStore) mutable(ja3 string, now time.Time) *AppProfile {
	if cur, ok := s.profiles[ja3]; ok {
		return cur.clone()
	}
	return newLearnedProfile(ja3, now)
}

// newLearnedProfile starts a profile with no evidence either way, so until
// the sample minimum is reached it routes like an unknown fingerprint.
func newLearnedProfile(ja3 string, now time.Time) *AppProfile {
	return &AppProfile{
		JA3:               ja3,
		Name:              learnedProfileName,
		PinningConfidence: DefaultConfidence,
		FirstSeen:         now,
	}
}

func (s *ReputationStore) apply(p *AppProfile, sni string, o Outcome, at time.Time) pinDecision {
	p.HitCount++
	if p.FirstSeen.IsZero() || at.Before(p.FirstSeen) {
		p.FirstSeen = at
	}
	if at.After(p.LastSeen) {
		p.LastSeen = at
	}
	p.addDomain(sni)
	p.observe(o, at, s.cfg.Window, s.cfg.MaxWindowSamples)
	return p.applyPolicy(s.cfg.MinSamples, s.cfg.PinThreshold)
}

func (s *ReputationStore) report(p *AppProfile, d pinDecision) {
	s.metrics.pinTransition(d)
	switch d {
	case pinPromoted:
		s.logger.Info("fingerprint promoted to pinned",
			zap.String("ja3", p.JA3),
			zap.String("name", p.Name),
			zap.Float64("failure_rate", p.PinningConfidence),
			zap.Uint64("failures", p.FailureCount),
			zap.Uint64("successes", p.SuccessCount),
			zap.Strings("domains", p.Domains),
		)
	case pinDemoted:
		s.logger.Info("fingerprint demoted from pinned",
			zap.String("ja3", p.JA3),
			zap.String("name", p.Name),
			zap.Float64("failure_rate", p.PinningConfidence),
			zap.Uint64("failures", p.FailureCount),
			zap.Uint64("successes", p.SuccessCount),
		)
	}
}

// EvictIdle drops learned profiles not seen since now minus the configured
// idle period from memory. Baseline and pinned profiles are kept, as are
// profiles with unwritten changes. It returns the number evicted.
func (s *ReputationStore) EvictIdle(now time.Time) int {
	if s.cfg.ProfileIdleEviction <= 0 {
		return 0
	}
	cutoff := now.Add(-s.cfg.ProfileIdleEviction)

	s.mu.Lock()
	evicted := 0
	for ja3, p := range s.profiles {
		if p.Baseline || p.IsPinned || !p.LastSeen.Before(cutoff) || s.persist.queued(ja3) {
			continue
		}
		delete(s.profiles, ja3)
		s.evicted[ja3] = struct{}{}
		evicted++
	}
	n := len(s.profiles)
	s.mu.Unlock()

	if evicted > 0 {
		s.logger.Debug("evicted idle profiles", zap.Int("evicted", evicted), zap.Int("remaining", n))
	}
	s.metrics.setProfiles(n)
	return evicted
}

// Rebuild recomputes every learned profile from an observation log, e.g.
// after the profile table was lost. The baseline is kept as the starting
// point of its own profiles. It returns the number of records replayed.
func (s *ReputationStore) Rebuild(log ObservationReplayer) (int, error) {
	s.mu.RLock()
	rebuilt := make(map[string]*AppProfile, len(s.profiles))
	for ja3, p := range s.profiles {
		if p.Baseline {
			b := p.clone()
			b.HitCount, b.SuccessCount, b.FailureCount = 0, 0, 0
			b.window = nil
			rebuilt[ja3] = b
		}
	}
	s.mu.RUnlock()

	replayed := 0
	err := log.ReplayObservations(func(rec ObservationRecord) error {
		p, ok := rebuilt[rec.JA3]
		if !ok {
			p = newLearnedProfile(rec.JA3, rec.Timestamp)
			rebuilt[rec.JA3] = p
		}
		o := Outcome{Success: rec.Success, Reason: rec.Reason}
		s.apply(p, rec.SNI, o, rec.Timestamp)
		replayed++
		return nil
	})
	if err != nil {
		return replayed, fmt.Errorf("replay observations: %w", err)
	}

	s.mu.Lock()
	s.profiles = rebuilt
	s.evicted = make(map[string]struct{})
	n := len(rebuilt)
	s.mu.Unlock()

	for _, ja3 := range s.sortedKeys(rebuilt) {
		s.persist.enqueue(rebuilt[ja3], nil)
	}
	s.metrics.setProfiles(n)
	s.logger.Info("rebuilt reputation from observation log",
		zap.Int("records", replayed), zap.Int("profiles", n))
	return replayed, nil
}

func (*ReputationStore) sortedKeys(m map[string]*AppProfile) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// Profiles returns a copy of every in-memory profile, ordered by JA3.
func (s *ReputationStore) Profiles() []AppProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AppProfile, 0, len(s.profiles))
	for _, ja3 := range s.sortedKeys(s.profiles) {
		out = append(out, *s.profiles[ja3].clone())
	}
	return out
}

// Len is the number of profiles held in memory.
func (s *ReputationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles)
}

// Flush waits until everything queued so far has been written, or ctx is
// done. It does not stop background persistence.
func (s *ReputationStore) Flush(ctx context.Context) error {
	return s.persist.flush(ctx)
}

// Close stops background persistence after a final flush bounded by ctx.
// The backend is not closed.
func (s *ReputationStore) Close(ctx context.Context) error {
	return s.persist.close(ctx)
}

// normalizeServerName lowercases sni and strips a trailing dot.
func normalizeServerName(sni string) string {
	return strings.TrimSuffix(strings.ToLower(sni), ".")
}
