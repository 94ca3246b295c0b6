package pinroute

import (
	"time"

	"golang.org/x/exp/slices"
)

// Outcome is what happened to an intercepted connection.
type Outcome struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"` // failures only
}

// Success is a completed proxied exchange.
func Success() Outcome { return Outcome{Success: true} }

// Failure is a TLS or certificate error observed on the connection.
func Failure(reason string) Outcome { return Outcome{Reason: reason} }

// observation is one outcome inside a profile's trailing window.
type observation struct {
	At      time.Time `json:"at"`
	Success bool      `json:"ok"`
}

// AppProfile is what the store knows about one fingerprint. Values handed out
// by the store are copies; mutate through RecordObservation only.
type AppProfile struct {
	JA3      string   `json:"ja3"`
	Name     string   `json:"name,omitempty"`
	Category string   `json:"category,omitempty"`
	Domains  []string `json:"domains,omitempty"` // known SNI values, sorted

	// Baseline profiles are compiled in or loaded from the baseline file.
	// Their pinned flag is only a prior.
	Baseline bool `json:"baseline,omitempty"`

	// PinningConfidence is the estimated probability that the client pins.
	// For a pinned profile it is the confidence in that verdict; for an
	// unpinned one, 1-PinningConfidence is the confidence that
	// interception is safe.
	IsPinned          bool    `json:"is_pinned"`
	PinningConfidence float64 `json:"pinning_confidence"`

	// SuccessCount and FailureCount cover the trailing window only, as of
	// the last observation. HitCount is lifetime.
	SuccessCount uint64 `json:"success_count"`
	FailureCount uint64 `json:"failure_count"`
	HitCount     uint64 `json:"hit_count"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	window []observation
}

// storedProfile is the durable encoding of an AppProfile, window included so
// a restart does not forget recent outcomes.
type storedProfile struct {
	AppProfile
	Window []observation `json:"window,omitempty"`
}

func (p *AppProfile) stored() *storedProfile {
	c := p.clone()
	return &storedProfile{AppProfile: *c, Window: c.window}
}

func (s *storedProfile) profile() *AppProfile {
	p := s.AppProfile
	p.window = s.Window
	return &p
}

func (p *AppProfile) clone() *AppProfile {
	c := *p
	c.Domains = slices.Clone(p.Domains)
	c.window = slices.Clone(p.window)
	return &c
}

// addDomain records sni in the sorted domain set.
func (p *AppProfile) addDomain(sni string) {
	if sni == "" {
		return
	}
	i, found := slices.BinarySearch(p.Domains, sni)
	if found {
		return
	}
	p.Domains = slices.Insert(p.Domains, i, sni)
}

// observe appends an outcome, drops what fell out of the window and
// refreshes the windowed counters.
func (p *AppProfile) observe(o Outcome, now time.Time, window time.Duration, max int) {
	p.window = append(p.window, observation{At: now, Success: o.Success})
	p.trim(now, window, max)
}

func (p *AppProfile) trim(now time.Time, window time.Duration, max int) {
	cutoff := now.Add(-window)
	drop := 0
	for drop < len(p.window) && !p.window[drop].At.After(cutoff) {
		drop++
	}
	if over := len(p.window) - drop - max; over > 0 {
		drop += over
	}
	if drop > 0 {
		p.window = append(p.window[:0:0], p.window[drop:]...)
	}

	p.SuccessCount, p.FailureCount = 0, 0
	for _, ob := range p.window {
		if ob.Success {
			p.SuccessCount++
		} else {
			p.FailureCount++
		}
	}
}

// pinDecision is the result of applying the promotion policy.
type pinDecision int

const (
	pinUnchanged pinDecision = iota
	pinPromoted
	pinDemoted
	pinRescored
)

// applyPolicy re-evaluates IsPinned from the windowed counters. Below
// minSamples nothing changes, so baseline priors survive until enough
// evidence accumulates.
func (p *AppProfile) applyPolicy(minSamples int, threshold float64) pinDecision {
	total := p.SuccessCount + p.FailureCount
	if total < uint64(minSamples) {
		return pinUnchanged
	}
	rate := float64(p.FailureCount) / float64(total)
	wasPinned := p.IsPinned
	p.IsPinned = rate > threshold
	p.PinningConfidence = rate

	switch {
	case p.IsPinned && !wasPinned:
		return pinPromoted
	case !p.IsPinned && wasPinned:
		return pinDemoted
	default:
		return pinRescored
	}
}
