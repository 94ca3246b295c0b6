package pinroute

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultPinnedDomains are SNI substrings of services whose apps are known to
// pin their certificates. Matching is a plain substring test on the
// lowercased SNI.
var DefaultPinnedDomains = []string{
	"tiktokv.com",
	"tiktokcdn.com",
	"byteoversea.com",
	"musical.ly",
	"snapchat.com",
	"sc-cdn.net",
	"whatsapp.net",
	"signal.org",
	"apple-dns.net",
	"push.apple.com",
}

// BaselineEntry seeds the store with a known client. Pinned is only a prior:
// enough observed outcomes override it.
type BaselineEntry struct {
	JA3        string   `toml:"ja3"`
	Name       string   `toml:"name"`
	Category   string   `toml:"category"`
	Pinned     bool     `toml:"pinned"`
	Confidence float64  `toml:"confidence"`
	Domains    []string `toml:"domains"`
}

// DefaultBaseline is the compiled-in table of well-known clients.
var DefaultBaseline = []BaselineEntry{
	{
		JA3:        "579ccef312d18482fc42e2b822ca2430",
		Name:       "Firefox 115",
		Category:   "browser",
		Confidence: 0.05,
	},
	{
		JA3:        "cd08e31494f9531f560d64c695473da9",
		Name:       "Chrome",
		Category:   "browser",
		Confidence: 0.05,
	},
	{
		JA3:        "366d007990af3b100f90c88fcff57a8a",
		Name:       "Zoom",
		Category:   "conferencing",
		Pinned:     true,
		Confidence: 0.95,
		Domains:    []string{"zoom.us"},
	},
}

type baselineFile struct {
	Fingerprints []BaselineEntry `toml:"fingerprint"`
}

// LoadBaselineFile reads extra baseline entries from a TOML file:
//
//	[[fingerprint]]
//	ja3 = "..."
//	name = "Short video app"
//	category = "video"
//	pinned = true
//	confidence = 0.9
//	domains = ["example-video.com"]
func LoadBaselineFile(path string) ([]BaselineEntry, error) {
	var f baselineFile
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("decode baseline %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("baseline %s: unknown key %q", path, undecoded[0].String())
	}
	for i, e := range f.Fingerprints {
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("baseline %s: fingerprint %d: %w", path, i, err)
		}
	}
	return f.Fingerprints, nil
}

func (e BaselineEntry) validate() error {
	if len(e.JA3) != 32 || strings.Trim(strings.ToLower(e.JA3), "0123456789abcdef") != "" {
		return fmt.Errorf("ja3 %q is not a 32 character hex digest", e.JA3)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0, 1]", e.Confidence)
	}
	return nil
}

func (e BaselineEntry) profile() *AppProfile {
	p := &AppProfile{
		JA3:               strings.ToLower(e.JA3),
		Name:              e.Name,
		Category:          e.Category,
		Baseline:          true,
		IsPinned:          e.Pinned,
		PinningConfidence: e.Confidence,
	}
	for _, d := range e.Domains {
		p.addDomain(strings.ToLower(d))
	}
	return p
}
