package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaydesk/dispatch-engine/internal/core"
	database "github.com/relaydesk/dispatch-engine/internal/db"
	"github.com/relaydesk/dispatch-engine/internal/dispatch"
	"github.com/relaydesk/dispatch-engine/internal/filestore"
	"github.com/relaydesk/dispatch-engine/internal/flush"
	"github.com/relaydesk/dispatch-engine/internal/prefs"
	"github.com/relaydesk/dispatch-engine/internal/session"
)

type okSink struct{ rows int }

func (s *okSink) AppendRows(_ context.Context, _, _ string, rows [][]string) error {
	s.rows += len(rows)
	return nil
}

// Smoke test over a real store: schedule -> dispatch tick -> SENT, and
// buffer -> flush tick -> drained.
func TestEngineFlowAgainstPostgres(t *testing.T) {
	db := database.StartTestPostgres(t)
	store := &core.Store{DB: db.Pool}
	log := zap.NewNop()

	// zero failure rate for a deterministic smoke test
	d := session.NewDummy()
	d.FailPct = 0
	d.Latency = time.Millisecond
	pool := session.NewStaticPool()
	pool.Put("acc-1", d)

	id, err := store.ScheduleMessage(context.Background(), core.ScheduleRequest{
		AccountID: "acc-1", Receiver: "recipient-1", Body: "hello",
		SendAt: time.Now().Add(-time.Second), ScheduledBy: core.ScheduledBy{Kind: core.OriginAPI},
	})
	require.NoError(t, err)

	eng := dispatch.New(store, pool, prefs.NewPGService(db.Pool), filestore.NewDir(t.TempDir()), log, dispatch.Options{})
	n, err := eng.ProcessTick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	m, err := store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, core.StatusSent, m.Status)

	require.NoError(t, store.InsertLogRecords(context.Background(), []core.LogRecord{
		{SinkID: "S1", Timestamp: "01-Jan-2026 10:00:00", From: "100", To: "200", Message: "x", IsCaption: "No"},
		{SinkID: "S1", Timestamp: "01-Jan-2026 10:00:01", From: "100", To: "200", Message: "y", IsCaption: "No"},
	}))

	out := &okSink{}
	fl := flush.New(store, out, log, flush.Options{})
	require.NoError(t, fl.Flush(context.Background()))
	require.Equal(t, 2, out.rows)

	left, err := store.BufferedRecords(context.Background())
	require.NoError(t, err)
	require.Empty(t, left)
}
