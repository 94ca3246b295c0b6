package pinroute_test

import (
	"strings"
	"testing"

	. "github.com/pinroute/pinroute"
)

func TestDefaultBaseline(t *testing.T) {
	seen := map[string]bool{}
	for _, e := range DefaultBaseline {
		if len(e.JA3) != 32 || strings.ToLower(e.JA3) != e.JA3 {
			t.Errorf("%s: malformed JA3 %q", e.Name, e.JA3)
		}
		if seen[e.JA3] {
			t.Errorf("%s: duplicate JA3", e.Name)
		}
		seen[e.JA3] = true
		if e.Confidence < 0 || e.Confidence > 1 {
			t.Errorf("%s: confidence %v", e.Name, e.Confidence)
		}
	}
}

func TestLoadBaselineFile(t *testing.T) {
	path := writeFile(t, "baseline.toml", `
[[fingerprint]]
ja3 = "fedcba9876543210fedcba9876543210"
name = "Banking app"
category = "finance"
pinned = true
confidence = 0.99
domains = ["bank.example"]

[[fingerprint]]
ja3 = "0123456789abcdef0123456789abcdef"
name = "Curl"
`)
	entries, err := LoadBaselineFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("loaded %d entries", len(entries))
	}
	if e := entries[0]; !e.Pinned || e.Confidence != 0.99 || e.Category != "finance" || e.Domains[0] != "bank.example" {
		t.Fatalf("entry = %+v", e)
	}
	if e := entries[1]; e.Pinned || e.Confidence != 0 {
		t.Fatalf("entry = %+v", e)
	}
}

func TestLoadBaselineFileErrors(t *testing.T) {
	for name, content := range map[string]string{
		"unknown key":     "[[fingerprint]]\nja3 = \"fedcba9876543210fedcba9876543210\"\npinning = true\n",
		"short ja3":       "[[fingerprint]]\nja3 = \"fedcba98\"\n",
		"non hex ja3":     "[[fingerprint]]\nja3 = \"zedcba9876543210fedcba9876543210\"\n",
		"confidence":      "[[fingerprint]]\nja3 = \"fedcba9876543210fedcba9876543210\"\nconfidence = 1.5\n",
		"not toml":        "[[fingerprint]\n",
		"wrong data type": "[[fingerprint]]\nja3 = 7\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadBaselineFile(writeFile(t, "baseline.toml", content)); err == nil {
				t.Fatal("LoadBaselineFile succeeded")
			}
		})
	}
}
