package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilIsSafe(t *testing.T) {
	var m *Metrics
	m.RoomOpened()
	m.Update(true)
	m.SnapshotWritten(errors.New("x"), time.Second)
	m.FrameRejected("malformed")
	m.AuthRejected(http.StatusForbidden)
	m.TransportUp(false)
	if m.Registry() != nil {
		t.Fatalf("nil metrics has no registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.Update(false)
	m.Update(true)
	m.Update(true)
	m.SnapshotWritten(nil, time.Millisecond)
	m.SnapshotWritten(errors.New("disk"), time.Millisecond)
	m.HydrationFailed()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`notesync_updates_total{origin="foreign"} 2`,
		`notesync_updates_total{origin="local"} 1`,
		`notesync_snapshot_writes_total{result="error"} 1`,
		"notesync_hydration_failures_total 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("exposition missing %q:\n%s", want, body)
		}
	}
}
