package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestReadiness(t *testing.T) {
	h := NewHealthChecker()
	var dbErr error
	h.AddCheck("postgres", func(context.Context) error { return dbErr })

	get := func() (int, map[string]any) {
		rec := httptest.NewRecorder()
		h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return rec.Code, body
	}

	if code, body := get(); code != http.StatusServiceUnavailable || body["status"] != "not_ready" {
		t.Errorf("before SetReady: %d %v", code, body)
	}

	h.SetReady(true)
	if code, body := get(); code != http.StatusOK || body["status"] != "ready" {
		t.Errorf("ready: %d %v", code, body)
	}

	dbErr = errors.New("connection refused")
	code, body := get()
	if code != http.StatusServiceUnavailable || body["status"] != "degraded" {
		t.Fatalf("failing check: %d %v", code, body)
	}
	failed, _ := body["failed"].(map[string]any)
	if failed["postgres"] != "connection refused" {
		t.Errorf("failed = %v", failed)
	}
}

func TestLiveness(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthChecker().LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"alive"`)) {
		t.Errorf("liveness = %d %s", rec.Code, rec.Body)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		"WARN":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
		"trace":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestLoggerCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "gateway", zerolog.InfoLevel, "json")
	logger.Debug().Msg("dropped")
	logger.Info().Str("request_id", "42").Msg("callback delivered")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "gateway" || line["request_id"] != "42" {
		t.Errorf("log line = %v", line)
	}
}
