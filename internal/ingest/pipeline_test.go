package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gestorlite/zapbridge/internal/bus"
	"github.com/gestorlite/zapbridge/internal/convo"
	"github.com/gestorlite/zapbridge/internal/metrics"
	"github.com/gestorlite/zapbridge/internal/store"
	"github.com/gestorlite/zapbridge/internal/wa"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func testPipeline(t *testing.T) (*Pipeline, *convo.Store, *bus.Broker, *metrics.Set) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	convos := convo.New(db, b, nil)
	m := metrics.New()
	p := New(convos, nil, b, m, nil)
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p, convos, b, m
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func incoming(id string, ts int64) wa.Incoming {
	return wa.Incoming{
		Message: &store.Message{
			MsgID: id, SenderID: "peer@s", RecipientID: "me@s", Body: "hi", Timestamp: ts,
		},
		DisplayName: "Alice",
	}
}

func TestMessageEventLandsInStore(t *testing.T) {
	_, convos, b, m := testPipeline(t)

	b.Emit(bus.KindProviderMessage, incoming("m1", 1000))

	waitFor(t, func() bool {
		_, ok := convos.Get("peer@s")
		return ok
	})

	snap, _ := convos.Get("peer@s")
	if snap.DisplayName != "Alice" {
		t.Errorf("display name = %q, want Alice", snap.DisplayName)
	}
	if counterValue(t, m.MessagesIngested) != 1 {
		t.Error("ingested counter not incremented")
	}
}

func TestDuplicateCountsButDoesNotDouble(t *testing.T) {
	_, convos, b, m := testPipeline(t)

	b.Emit(bus.KindProviderMessage, incoming("m1", 1000))
	b.Emit(bus.KindProviderMessage, incoming("m1", 1000))

	waitFor(t, func() bool { return counterValue(t, m.DuplicatesDropped) == 1 })

	snap, _ := convos.Get("peer@s")
	if len(snap.Messages) != 1 {
		t.Errorf("log has %d messages, want 1", len(snap.Messages))
	}
	if snap.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", snap.UnreadCount)
	}
}

func TestHistoryBatchIngestsAllAndAnnounces(t *testing.T) {
	_, convos, b, m := testPipeline(t)

	done, unsub := b.Subscribe(bus.KindSyncHistoryBatch, 1)
	defer unsub()

	batch := []wa.Incoming{incoming("h1", 1000), incoming("h2", 2000), incoming("h3", 3000)}
	b.Emit(bus.KindProviderHistoryBatch, batch)

	select {
	case evt := <-done:
		if evt.Payload.(int) != 3 {
			t.Errorf("batch size payload = %v, want 3", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for sync.history_batch")
	}

	snap, _ := convos.Get("peer@s")
	if len(snap.Messages) != 3 {
		t.Errorf("log has %d messages, want 3", len(snap.Messages))
	}
	if counterValue(t, m.HistoryBatches) != 1 {
		t.Error("history batch counter not incremented")
	}
}

func TestReceiptRaisesAck(t *testing.T) {
	_, convos, b, m := testPipeline(t)

	mine := wa.Incoming{Message: &store.Message{
		MsgID: "m1", SenderID: "me@s", RecipientID: "peer@s", FromMe: true, Timestamp: 1000,
	}}
	b.Emit(bus.KindProviderMessage, mine)
	waitFor(t, func() bool {
		_, ok := convos.Get("peer@s")
		return ok
	})

	b.Emit(bus.KindProviderReceipt, wa.Receipt{
		PeerID: "peer@s", MsgIDs: []string{"m1"}, Level: store.AckRead,
	})

	waitFor(t, func() bool { return counterValue(t, m.ReceiptsApplied) == 1 })

	snap, _ := convos.Get("peer@s")
	if snap.Messages[0].Ack != store.AckRead {
		t.Errorf("ack = %d, want read", snap.Messages[0].Ack)
	}
}

func TestUnknownPayloadTypeIgnored(t *testing.T) {
	_, convos, b, _ := testPipeline(t)

	// A malformed payload must not crash the loop.
	b.Emit(bus.KindProviderMessage, "not a message")
	b.Emit(bus.KindProviderMessage, incoming("m1", 1000))

	waitFor(t, func() bool {
		_, ok := convos.Get("peer@s")
		return ok
	})
}
