package changes

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/trambar/internal/realtime"
)

type fakeSource struct {
	notifications chan *pgconn.Notification
	failure       error
}

func newFakeSource() *fakeSource {
	return &fakeSource{notifications: make(chan *pgconn.Notification, 16)}
}

func (f *fakeSource) send(payload string) {
	f.notifications <- &pgconn.Notification{Channel: DefaultChannel, Payload: payload}
}

func (f *fakeSource) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case notification, ok := <-f.notifications:
		if !ok {
			return nil, f.failure
		}
		return notification, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type recordingInvalidator struct {
	mu     sync.Mutex
	tables []string
}

func (r *recordingInvalidator) Invalidate(schema, table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables = append(r.tables, schema+"."+table)
}

func (r *recordingInvalidator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tables)
}

func TestNewListenerValidatesConfig(t *testing.T) {
	_, err := NewListener(Config{})
	require.Error(t, err)
	_, err = NewListener(Config{Source: newFakeSource()})
	require.Error(t, err)
}

func TestGroupDeduplicatesByID(t *testing.T) {
	grouped := Group([]Event{
		{Schema: "global", Table: "user", ID: 1, GN: 2},
		{Schema: "global", Table: "user", ID: 1, GN: 4},
		{Schema: "global", Table: "user", ID: 3, GN: 1},
		{Schema: "global", Table: "project", ID: 9, GN: 7},
		{Schema: "project_a", Table: "story", ID: 5, GN: 3},
	})
	require.Len(t, grouped, 2)
	require.Equal(t, TableChanges{IDs: []int64{1, 3}, GNs: []int64{4, 1}}, grouped["global"].Changes["global.user"])
	require.Equal(t, TableChanges{IDs: []int64{9}, GNs: []int64{7}}, grouped["global"].Changes["global.project"])
	require.Equal(t, TableChanges{IDs: []int64{5}, GNs: []int64{3}}, grouped["project_a"].Changes["project_a.story"])
}

func TestListenerPublishesOnePayloadPerSchema(t *testing.T) {
	source := newFakeSource()
	publisher := realtime.NewDispatcher[[]byte](4)
	invalidator := &recordingInvalidator{}
	registry := prometheus.NewRegistry()
	listener, err := NewListener(Config{
		Source:       source,
		Publisher:    publisher,
		Invalidators: []Invalidator{invalidator},
		BatchWindow:  30 * time.Millisecond,
		Registerer:   registry,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	global, cleanupGlobal := publisher.Subscribe(ctx, "global")
	defer cleanupGlobal()
	project, cleanupProject := publisher.Subscribe(ctx, "project_a")
	defer cleanupProject()
	batches, cleanupBatches := listener.Subscribe(ctx)
	defer cleanupBatches()

	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	source.send(`{"schema":"global","table":"user","id":1,"op":"UPDATE","gn":2}`)
	source.send(`{"schema":"global","table":"story","id":4,"op":"INSERT","gn":1}`)
	source.send(`not json`)
	source.send(`{"schema":"project_a","table":"story","id":5,"op":"UPDATE","gn":3,"diff":{"title":"x"}}`)

	var payload Payload
	select {
	case frame := <-global:
		require.NoError(t, json.Unmarshal(frame, &payload))
	case <-time.After(2 * time.Second):
		t.Fatalf("no payload for the global schema")
	}
	require.Equal(t, []int64{1}, payload.Changes["global.user"].IDs)
	require.Equal(t, []int64{1}, payload.Changes["global.story"].GNs)

	select {
	case frame := <-project:
		require.JSONEq(t, `{"changes":{"project_a.story":{"ids":[5],"gns":[3]}}}`, string(frame))
	case <-time.After(2 * time.Second):
		t.Fatalf("no payload for the project schema")
	}

	select {
	case batch := <-batches:
		require.Len(t, batch.Events, 3)
		require.Equal(t, "x", batch.Events[2].Diff["title"])
	case <-time.After(2 * time.Second):
		t.Fatalf("no in-process batch")
	}

	select {
	case <-global:
		t.Fatalf("expected the batch to produce a single global payload")
	case <-time.After(60 * time.Millisecond):
	}

	require.Equal(t, 3, invalidator.count())
	require.Equal(t, float64(3), testutil.ToFloat64(listener.metrics.events.WithLabelValues("received")))
	require.Equal(t, float64(1), testutil.ToFloat64(listener.metrics.events.WithLabelValues("malformed")))
	require.Equal(t, float64(1), testutil.ToFloat64(listener.metrics.batches))

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not stop")
	}
}

func TestListenerReturnsSourceFailure(t *testing.T) {
	source := newFakeSource()
	source.failure = errors.New("connection lost")
	listener, err := NewListener(Config{Source: source, Publisher: realtime.NewDispatcher[[]byte](1)})
	require.NoError(t, err)

	close(source.notifications)
	err = listener.Run(context.Background())
	require.ErrorIs(t, err, source.failure)
}
