package pinroute

import (
	"fmt"
	"strings"
)

// Verdict is what the proxy should do with a connection.
type Verdict uint8

const (
	// Intercept terminates TLS at the proxy.
	Intercept Verdict = iota
	// Passthrough splices the connection to the origin untouched.
	Passthrough
)

func (v Verdict) String() string {
	switch v {
	case Intercept:
		return "intercept"
	case Passthrough:
		return "passthrough"
	default:
		return fmt.Sprintf("Verdict(%d)", uint8(v))
	}
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Verdict) UnmarshalText(b []byte) error {
	switch string(b) {
	case "intercept":
		*v = Intercept
	case "passthrough":
		*v = Passthrough
	default:
		return fmt.Errorf("unknown verdict %q", b)
	}
	return nil
}

// Where a Decision came from.
const (
	SourceDomain  = "domain"
	SourceProfile = "profile"
	SourceDefault = "default"
)

// DefaultConfidence accompanies the Intercept verdict given to unknown or
// unparseable clients.
const DefaultConfidence = 0.5

// Decision is a routing verdict with its confidence in [0, 1].
type Decision struct {
	Verdict     Verdict      `json:"verdict"`
	Confidence  float64      `json:"confidence"`
	Source      string       `json:"source"`
	Profile     string       `json:"profile,omitempty"`
	Fingerprint *Fingerprint `json:"fingerprint,omitempty"`
}

// Router turns fingerprints into verdicts. It reads only the in-memory view
// of the store and never blocks on I/O.
type Router struct {
	store   *ReputationStore
	domains []string
}

// NewRouter creates a Router. pinnedDomains are SNI substrings that always
// pass through, whatever the fingerprint.
func NewRouter(store *ReputationStore, pinnedDomains []string) *Router {
	r := &Router{store: store}
	for _, d := range pinnedDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			r.domains = append(r.domains, d)
		}
	}
	return r
}

// Decide routes fp. A nil fp, from a ClientHello that could not be parsed,
// gets the default verdict.
func (r *Router) Decide(fp *Fingerprint) Decision {
	if fp == nil {
		return Decision{Verdict: Intercept, Confidence: DefaultConfidence, Source: SourceDefault}
	}

	if r.pinnedDomain(fp.SNI) {
		return Decision{Verdict: Passthrough, Confidence: 1, Source: SourceDomain, Fingerprint: fp}
	}

	p, ok := r.store.Peek(fp.JA3)
	if !ok {
		return Decision{Verdict: Intercept, Confidence: DefaultConfidence, Source: SourceDefault, Fingerprint: fp}
	}
	d := Decision{Source: SourceProfile, Profile: p.Name, Fingerprint: fp}
	if p.IsPinned {
		d.Verdict = Passthrough
		d.Confidence = p.PinningConfidence
	} else {
		d.Verdict = Intercept
		d.Confidence = 1 - p.PinningConfidence
	}
	return d
}

func (r *Router) pinnedDomain(sni string) bool {
	if sni == "" {
		return false
	}
	sni = strings.ToLower(sni)
	for _, d := range r.domains {
		if strings.Contains(sni, d) {
			return true
		}
	}
	return false
}
