package pinroute_test

import (
	"encoding/json"
	"testing"

	. "github.com/pinroute/pinroute"
)

func TestRouterDecide(t *testing.T) {
	s, c := newTestStore(t, testConfig(), nil)
	record(s, c, &Fingerprint{JA3: testJA3}, 1, 9)  // pinned, 0.9
	record(s, c, &Fingerprint{JA3: otherJA3}, 8, 2) // unpinned, 0.2
	primedJA3 := "11111111111111111111111111111111"
	s.Prime(&Fingerprint{JA3: primedJA3, SNI: "primed.example.com"})
	fewJA3 := "22222222222222222222222222222222"
	record(s, c, &Fingerprint{JA3: fewJA3}, 0, 4) // below MinSamples

	r := NewRouter(s, []string{"TikTokV.com", " ", "signal.org"})

	for name, tc := range map[string]struct {
		fp         *Fingerprint
		verdict    Verdict
		confidence float64
		source     string
	}{
		"unparseable": {nil, Intercept, 0.5, SourceDefault},
		"unknown":     {&Fingerprint{JA3: "00000000000000000000000000000000", SNI: "www.example.com"}, Intercept, 0.5, SourceDefault},
		"pinned":      {&Fingerprint{JA3: testJA3, SNI: "api.example.com"}, Passthrough, 0.9, SourceProfile},
		"unpinned":    {&Fingerprint{JA3: otherJA3}, Intercept, 0.8, SourceProfile},
		"baseline":    {&Fingerprint{JA3: zoomJA3}, Passthrough, 0.95, SourceProfile},
		"primed":      {&Fingerprint{JA3: primedJA3}, Intercept, 0.5, SourceProfile},
		"few samples": {&Fingerprint{JA3: fewJA3}, Intercept, 0.5, SourceProfile},
		"browser":     {&Fingerprint{JA3: "cd08e31494f9531f560d64c695473da9"}, Intercept, 0.95, SourceProfile},
		"domain":      {&Fingerprint{JA3: otherJA3, SNI: "api16-normal.TIKTOKV.com"}, Passthrough, 1, SourceDomain},
		"domain unknown client": {
			&Fingerprint{JA3: "00000000000000000000000000000000", SNI: "chat.signal.org"}, Passthrough, 1, SourceDomain,
		},
	} {
		t.Run(name, func(t *testing.T) {
			d := r.Decide(tc.fp)
			if d.Verdict != tc.verdict || d.Source != tc.source {
				t.Fatalf("Decide = %s from %s, want %s from %s", d.Verdict, d.Source, tc.verdict, tc.source)
			}
			if diff := d.Confidence - tc.confidence; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("Confidence = %v, want %v", d.Confidence, tc.confidence)
			}
			if d.Confidence < 0 || d.Confidence > 1 {
				t.Fatalf("Confidence %v out of range", d.Confidence)
			}
			if d.Fingerprint != tc.fp {
				t.Fatal("decision does not carry its fingerprint")
			}
		})
	}
}

func TestRouterNoPinnedDomains(t *testing.T) {
	s, _ := newTestStore(t, testConfig(), nil)
	r := NewRouter(s, nil)
	d := r.Decide(&Fingerprint{JA3: testJA3, SNI: "api.tiktokv.com"})
	if d.Verdict != Intercept || d.Source != SourceDefault {
		t.Fatalf("Decide = %+v", d)
	}
}

func TestVerdictText(t *testing.T) {
	b, err := json.Marshal(Decision{Verdict: Passthrough, Confidence: 1, Source: SourceDomain})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"verdict":"passthrough","confidence":1,"source":"domain"}` {
		t.Fatalf("json = %s", b)
	}

	var d Decision
	if err := json.Unmarshal(b, &d); err != nil {
		t.Fatal(err)
	}
	if d.Verdict != Passthrough {
		t.Fatalf("Verdict = %s", d.Verdict)
	}
	if err := json.Unmarshal([]byte(`{"verdict":"drop"}`), &d); err == nil {
		t.Fatal("unknown verdict accepted")
	}
	if s := Verdict(7).String(); s != "Verdict(7)" {
		t.Fatalf("String = %q", s)
	}
}
