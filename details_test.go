package pinroute_test

import (
	"errors"
	"testing"

	tls "github.com/refraction-networking/utls"
	"golang.org/x/exp/slices"

	. "github.com/pinroute/pinroute"
	"github.com/pinroute/pinroute/internal/fixture"
)

func TestInspectBrowser(t *testing.T) {
	rec, err := fixture.Browser(tls.HelloChrome_102, "inspect.example.com")
	if err != nil {
		t.Fatal(err)
	}
	d, err := Inspect(rec)
	if err != nil {
		t.Fatal(err)
	}

	if d.ServerName != "inspect.example.com" || d.Fingerprint.SNI != "inspect.example.com" {
		t.Fatalf("ServerName = %q", d.ServerName)
	}
	if !slices.Contains(d.ALPN, "h2") || !slices.Contains(d.ALPN, "http/1.1") {
		t.Fatalf("ALPN = %v", d.ALPN)
	}
	if !slices.Contains(d.SupportedVersions, "TLS 1.3") {
		t.Fatalf("SupportedVersions = %v", d.SupportedVersions)
	}
	if !slices.Contains(d.Extensions, "server_name") {
		t.Fatalf("Extensions = %v", d.Extensions)
	}
	if !slices.Contains(d.CipherSuites, "TLS_AES_128_GCM_SHA256") {
		t.Fatalf("CipherSuites = %v", d.CipherSuites)
	}
	if len(d.SignatureSchemes) == 0 || len(d.SupportedGroups) == 0 {
		t.Fatalf("missing schemes or groups: %+v", d)
	}

	p, _ := ParseClientHello(rec)
	if hash, _ := JA3(p); d.Fingerprint.JA3 != hash {
		t.Fatal("Inspect fingerprint differs from ParseClientHello")
	}
}

func TestInspectSplitRecords(t *testing.T) {
	msg := fixture.Minimal("split.example.com").Message()
	single, err := Inspect(fixture.Record(msg))
	if err != nil {
		t.Fatal(err)
	}
	split, err := Inspect(fixture.Records(msg, 16))
	if err != nil {
		t.Fatal(err)
	}
	if single.Fingerprint.JA3 != split.Fingerprint.JA3 || !slices.Equal(single.Extensions, split.Extensions) {
		t.Fatalf("split records decode differently: %+v vs %+v", split, single)
	}
}

func TestInspectUnknownValues(t *testing.T) {
	h := fixture.Hello{
		Version:      0x0303,
		CipherSuites: []uint16{0x1301},
		Extensions: []fixture.Extension{
			fixture.ServerName("odd.example.com"),
			fixture.SupportedGroups(29, 0x7777),
			{Type: 0x7f7f, Data: []byte{1, 2, 3}},
		},
	}
	d, err := Inspect(h.Record())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(d.Extensions, "unknown(32639)") {
		t.Fatalf("Extensions = %v", d.Extensions)
	}
	if !slices.Contains(d.SupportedGroups, "unknown(30583)") {
		t.Fatalf("SupportedGroups = %v", d.SupportedGroups)
	}
}

func TestInspectOversizedHello(t *testing.T) {
	h := fixture.Minimal("big.example.com")
	for i := 0; i < 20000; i++ {
		h.CipherSuites = append(h.CipherSuites, 0x1301)
	}
	h.Extensions = append(h.Extensions, fixture.Extension{Type: 21, Data: make([]byte, 40000)})
	msg := h.Message()
	if len(msg) <= 0xffff {
		t.Fatalf("message is only %d bytes", len(msg))
	}

	rec := fixture.Records(msg, 1<<14)
	if _, err := ParseClientHello(rec); err != nil {
		t.Fatalf("ParseClientHello: %v", err)
	}
	if _, err := Inspect(rec); err == nil {
		t.Fatal("Inspect accepted a ClientHello too large for one record")
	}
}

func TestInspectRejectsGarbage(t *testing.T) {
	if _, err := Inspect([]byte{0x17, 0x03, 0x03, 0x00, 0x00}); !errors.Is(err, ErrNotHandshake) {
		t.Fatalf("Inspect = %v", err)
	}
}
