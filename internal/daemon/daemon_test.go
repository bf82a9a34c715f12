package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gestorlite/zapbridge/internal/bus"
	"github.com/gestorlite/zapbridge/internal/config"
	"github.com/gestorlite/zapbridge/internal/convo"
	"github.com/gestorlite/zapbridge/internal/httpapi"
	"github.com/gestorlite/zapbridge/internal/ingest"
	"github.com/gestorlite/zapbridge/internal/lock"
	"github.com/gestorlite/zapbridge/internal/metrics"
	"github.com/gestorlite/zapbridge/internal/readstatus"
	"github.com/gestorlite/zapbridge/internal/status"
	"github.com/gestorlite/zapbridge/internal/store"
	"github.com/gestorlite/zapbridge/internal/wa"
)

// TestDaemonPipelineEndToEnd assembles the daemon's components by hand,
// feeds a provider event through the bus, and reads the result back
// through the HTTP API.
func TestDaemonPipelineEndToEnd(t *testing.T) {
	tmpDir := t.TempDir()

	lk, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(tmpDir, "bridge.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	b := bus.New()
	machine := status.NewMachine(b)
	convos := convo.New(db, b, nil)
	tracker := readstatus.NewTracker(db, convos)
	m := metrics.New()

	pipeline := ingest.New(convos, nil, b, m, nil)
	pipeline.Start(context.Background())
	defer pipeline.Stop()

	srv := httpapi.NewServer("127.0.0.1:0", httpapi.Deps{
		Machine: machine,
		Convos:  convos,
		Tracker: tracker,
		DB:      db,
		Broker:  b,
		Metrics: m,
	})

	// A message arrives from the provider side.
	b.Emit(bus.KindProviderMessage, wa.Incoming{
		Message: &store.Message{
			MsgID: "m1", SenderID: "peer@s", RecipientID: "me@s",
			Body: "hello", Timestamp: 1000,
		},
		DisplayName: "Alice",
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := convos.Get("peer@s"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out []convo.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].DisplayName != "Alice" || out[0].UnreadCount != 1 {
		t.Errorf("conversations = %+v", out)
	}
}

// The daemon must not stay in BOOTING forever: without credentials it
// goes straight to AUTH_REQUIRED.
func TestStatusTransitionsToAuthRequired(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)

	_ = machine.Transition(status.AuthRequired)

	ready := machine.Readiness()
	if ready.State != string(status.AuthRequired) {
		t.Errorf("state = %s, want AUTH_REQUIRED", ready.State)
	}
	if ready.Connected || ready.Ready {
		t.Errorf("readiness = %+v, want neither connected nor ready", ready)
	}
}

// Post-auth the machine routes AUTH_REQUIRED → CONNECTING → SYNCING →
// READY; health must track it the whole way.
func TestStatusReflectsPostAuthTransition(t *testing.T) {
	b := bus.New()
	machine := status.NewMachine(b)

	_ = machine.Transition(status.AuthRequired)
	_ = machine.Transition(status.Connecting)
	_ = machine.Transition(status.Syncing)

	ready := machine.Readiness()
	if !ready.Connected || ready.Ready {
		t.Errorf("syncing readiness = %+v, want connected but not ready", ready)
	}

	_ = machine.Transition(status.Ready)
	ready = machine.Readiness()
	if !ready.Ready {
		t.Errorf("final readiness = %+v, want ready", ready)
	}
}

// TestModuleParams verifies the fx-facing params carry a usable config.
func TestModuleParams(t *testing.T) {
	p := Params{SessionName: "test", Config: config.Default()}
	if p.Config.Daemon.ListenAddr == "" {
		t.Fatal("default config has no listen address")
	}
	if p.Config.Probe.FailureThreshold != 3 {
		t.Errorf("failure threshold = %d, want 3", p.Config.Probe.FailureThreshold)
	}
}
