package pinroute_test

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	. "github.com/pinroute/pinroute"
)

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	e, err := New(context.Background(), testConfig(), nil, nil, m)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close(context.Background())
	e.HandleClientHello("192.0.2.1:1000", []byte{0x16})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	for _, want := range []string{
		`pinroute_client_hellos_total{result="unparsed"} 1`,
		`pinroute_profiles 3`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output lacks %q", want)
		}
	}

	var nilMetrics *Metrics
	rec = httptest.NewRecorder()
	nilMetrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("nil Metrics handler status %d", rec.Code)
	}
}
