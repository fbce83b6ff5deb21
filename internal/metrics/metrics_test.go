package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestRecorderExposesCounters(t *testing.T) {
	r := New()
	r.SessionStarted()
	r.SessionStarted()
	r.SessionEnded()
	r.MessageRecorded("assistant")
	r.MessageRecorded("assistant")
	r.MessageRecorded("result")
	r.ConsumerAttached()
	r.AdapterError("gemini", "rate_limit")
	r.QueueDepth(3)
	r.QueueDepth(-1)
	r.ProcRestarted()

	body := scrape(t, r)
	for _, want := range []string{
		"parley_sessions_total 2",
		"parley_sessions_active 1",
		`parley_messages_total{type="assistant"} 2`,
		`parley_messages_total{type="result"} 1`,
		"parley_consumers_active 1",
		`parley_adapter_errors_total{adapter="gemini",kind="rate_limit"} 1`,
		"parley_queue_depth 2",
		"parley_proc_restarts_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.SessionStarted()
	r.SessionEnded()
	r.MessageRecorded("user")
	r.ConsumerAttached()
	r.ConsumerDetached()
	r.AdapterError("acp", "api_error")
	r.QueueDepth(1)
	r.ProcRestarted()
	if r.Handler() == nil {
		t.Fatal("nil recorder handler")
	}
}
