package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
)

func seedStories(transport *fakeTransport) {
	transport.put(testLocation, objects.Object{"id": int64(1), "gn": int64(5), "type": "post", "title": "one", "body": "b"})
	transport.put(testLocation, objects.Object{"id": int64(2), "gn": int64(1), "type": "post", "title": "two"})
	transport.put(testLocation, objects.Object{"id": int64(3), "gn": int64(1), "type": "survey", "title": "three"})
}

func TestFindCachesFreshSearches(t *testing.T) {
	transport := newFakeTransport()
	seedStories(transport)
	source := newTestSource(t, transport, 0)

	if got := titles(mustFind(t, source, objects.Criteria{"type": "post"})); got != "one,two" {
		t.Fatalf("unexpected results %q", got)
	}
	mustFind(t, source, objects.Criteria{"type": "post"})
	if transport.discoverCount() != 1 {
		t.Fatalf("expected cached search to be reused, got %d discoveries", transport.discoverCount())
	}
}

func TestFindRequiredReportsNotFound(t *testing.T) {
	source := newTestSource(t, newFakeTransport(), 0)
	_, err := source.Find(testContext(t), objects.Query{
		Location: testLocation,
		Criteria: objects.Criteria{"type": "post"},
		Required: true,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindWithoutSessionIsUnauthorized(t *testing.T) {
	source, err := NewSource(SourceConfig{Transport: newFakeTransport()})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	defer source.Close()
	if _, err := source.Find(testContext(t), objects.Query{Location: testLocation}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := source.SaveAsync(testContext(t), testLocation, []objects.Object{{"title": "x"}}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized from save, got %v", err)
	}
}

func TestRefusedSessionIsUnauthorized(t *testing.T) {
	source := newTestSource(t, newFakeTransport(), 0)
	source.BeginAuthorization(testAddress, "expired")
	if err := source.Start(testContext(t), testLocation); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	source.BeginAuthorization(testAddress, testToken)
	info, err := source.CheckAuthorizationStatus(testContext(t), testAddress)
	if err != nil || info.UserID != "7" {
		t.Fatalf("expected valid session, got %v, %v", info, err)
	}
}

func TestSaveCoalescesUndispatchedOperations(t *testing.T) {
	transport := newFakeTransport()
	seedStories(transport)
	source := newTestSource(t, transport, 50*time.Millisecond)
	ctx := testContext(t)

	first, err := source.SaveAsync(ctx, testLocation, []objects.Object{{"id": 1, "title": "first", "body": "edited"}})
	if err != nil {
		t.Fatalf("SaveAsync: %v", err)
	}
	second, err := source.SaveAsync(ctx, testLocation, []objects.Object{{"id": 1, "title": "second"}})
	if err != nil {
		t.Fatalf("SaveAsync: %v", err)
	}
	if _, err := second.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	firstResults, err := first.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait first: %v", err)
	}

	if transport.storeCount() != 1 {
		t.Fatalf("expected one dispatch, got %d", transport.storeCount())
	}
	payload := transport.payload(0)
	if len(payload) != 1 || payload[0]["title"] != "second" || payload[0]["body"] != "edited" {
		t.Fatalf("unexpected coalesced payload %v", payload)
	}
	if len(firstResults) != 1 || firstResults[0]["title"] != "second" {
		t.Fatalf("expected superseded save to observe the commit, got %v", firstResults)
	}
}

func TestPartiallySupersededSaveDispatchesTheRest(t *testing.T) {
	transport := newFakeTransport()
	seedStories(transport)
	source := newTestSource(t, transport, 30*time.Millisecond)
	ctx := testContext(t)

	first, err := source.SaveAsync(ctx, testLocation, []objects.Object{
		{"id": 1, "title": "first", "body": "edited"},
		{"id": 2, "title": "deux"},
	})
	if err != nil {
		t.Fatalf("SaveAsync: %v", err)
	}
	second, err := source.SaveAsync(ctx, testLocation, []objects.Object{{"id": 1, "title": "second"}})
	if err != nil {
		t.Fatalf("SaveAsync: %v", err)
	}
	if _, err := first.Wait(ctx); err != nil {
		t.Fatalf("Wait first: %v", err)
	}
	if _, err := second.Wait(ctx); err != nil {
		t.Fatalf("Wait second: %v", err)
	}

	if transport.storeCount() != 2 {
		t.Fatalf("expected two dispatches, got %d", transport.storeCount())
	}
	sent := make(map[int64]objects.Object)
	for call := 0; call < 2; call++ {
		payload := transport.payload(call)
		if len(payload) != 1 {
			t.Fatalf("expected one object per dispatch, got %v", payload)
		}
		id, _ := payload[0].ID()
		sent[id] = payload[0]
	}
	if sent[1]["title"] != "second" || sent[1]["body"] != "edited" {
		t.Fatalf("unexpected payload for the superseded object %v", sent[1])
	}
	if sent[2]["title"] != "deux" {
		t.Fatalf("unexpected payload for the remaining object %v", sent[2])
	}
	if got := titles(mustFind(t, source, objects.Criteria{"type": "post"})); got != "deux,second" {
		t.Fatalf("unexpected results %q", got)
	}
}

func TestSaveIsVisibleBeforeCommit(t *testing.T) {
	transport := newFakeTransport()
	seedStories(transport)
	source := newTestSource(t, transport, time.Hour)
	mustFind(t, source, objects.Criteria{"type": "post"})

	if _, err := source.SaveAsync(testContext(t), testLocation, []objects.Object{
		{"id": 1, "title": "uno"},
		{"type": "post", "title": "draft"},
	}); err != nil {
		t.Fatalf("SaveAsync: %v", err)
	}

	results := mustFind(t, source, objects.Criteria{"type": "post"})
	if got := titles(results); got != "draft,two,uno" {
		t.Fatalf("optimistic state not visible: %q", got)
	}
	for _, object := range results {
		if object["title"] == "draft" {
			if id, _ := object.ID(); id >= 0 || !object.Uncommitted() {
				t.Fatalf("new object should carry a placeholder id, got %v", object)
			}
		}
	}
	if transport.storeCount() != 0 {
		t.Fatalf("save was dispatched during its delay")
	}
}

func TestCommitReplacesPlaceholderIDs(t *testing.T) {
	transport := newFakeTransport()
	seedStories(transport)
	source := newTestSource(t, transport, 0)
	mustFind(t, source, objects.Criteria{"type": "post"})

	saved, err := source.Save(testContext(t), testLocation, []objects.Object{{"type": "post", "title": "fresh"}})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	serverID, ok := saved[0].ID()
	if !ok || serverID <= 0 {
		t.Fatalf("expected server id, got %v", saved)
	}

	results := mustFind(t, source, objects.Criteria{"type": "post"})
	if got := titles(results); got != "fresh,one,two" {
		t.Fatalf("unexpected results after commit %q", got)
	}
	position := objects.IndexByID(results, serverID)
	if position < 0 || results[position].Uncommitted() {
		t.Fatalf("cached copy was not replaced by the server copy: %v", results)
	}
	for _, object := range results {
		if id, _ := object.ID(); id < 0 {
			t.Fatalf("placeholder left behind: %v", results)
		}
	}
}

func TestRemovingUncommittedObjectSkipsNetwork(t *testing.T) {
	transport := newFakeTransport()
	source := newTestSource(t, transport, 30*time.Millisecond)
	ctx := testContext(t)

	created, err := source.SaveAsync(ctx, testLocation, []objects.Object{{"title": "scratch"}})
	if err != nil {
		t.Fatalf("SaveAsync: %v", err)
	}
	placeholder, _ := created.Objects()[0].ID()
	removal, err := source.RemoveAsync(ctx, testLocation, []objects.Object{{"id": placeholder}})
	if err != nil {
		t.Fatalf("RemoveAsync: %v", err)
	}
	if _, err := removal.Wait(ctx); err != nil {
		t.Fatalf("Wait removal: %v", err)
	}
	if _, err := created.Wait(ctx); err != nil {
		t.Fatalf("Wait creation: %v", err)
	}
	if transport.storeCount() != 0 {
		t.Fatalf("expected no network traffic, got %d stores", transport.storeCount())
	}
}

func TestSaveReferencingInFlightPlaceholderWaits(t *testing.T) {
	transport := newFakeTransport()
	transport.storeGate = make(chan struct{})
	transport.storeSeen = make(chan struct{}, 4)
	source := newTestSource(t, transport, 0)
	ctx := testContext(t)

	created, err := source.SaveAsync(ctx, testLocation, []objects.Object{{"title": "new"}})
	if err != nil {
		t.Fatalf("SaveAsync: %v", err)
	}
	<-transport.storeSeen
	placeholder, _ := created.Objects()[0].ID()

	edit, err := source.SaveAsync(ctx, testLocation, []objects.Object{{"id": placeholder, "title": "renamed"}})
	if err != nil {
		t.Fatalf("SaveAsync edit: %v", err)
	}
	select {
	case <-transport.storeSeen:
		t.Fatalf("edit was sent before the creation committed")
	case <-time.After(50 * time.Millisecond):
	}
	close(transport.storeGate)

	if _, err := created.Wait(ctx); err != nil {
		t.Fatalf("Wait creation: %v", err)
	}
	results, err := edit.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait edit: %v", err)
	}
	createdID, _ := transport.payload(0)[0].ID()
	if _, ok := transport.payload(0)[0]["id"]; ok {
		t.Fatalf("creation carried an id: %v", createdID)
	}
	sentID, ok := transport.payload(1)[0].ID()
	resultID, _ := results[0].ID()
	if !ok || sentID != resultID || sentID <= 0 {
		t.Fatalf("expected edit to target the server id, sent %v got %v", transport.payload(1), results)
	}
	if rows := len(transport.rows[testLocation.Key()]); rows != 1 {
		t.Fatalf("expected one server row, got %d", rows)
	}
}

func TestFailedSaveRollsBackAndInvalidates(t *testing.T) {
	transport := newFakeTransport()
	seedStories(transport)
	transport.storeErr = &HTTPError{Status: 500, Code: "storage.failed"}
	source := newTestSource(t, transport, 0)
	mustFind(t, source, objects.Criteria{"type": "post"})

	_, err := source.Save(testContext(t), testLocation, []objects.Object{{"id": 2, "title": "broken"}})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != 500 {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if got := titles(mustFind(t, source, objects.Criteria{"type": "post"})); got != "one,two" {
		t.Fatalf("expected rollback, got %q", got)
	}
	if transport.discoverCount() != 2 {
		t.Fatalf("expected failed save to invalidate the search, got %d discoveries", transport.discoverCount())
	}
}

func TestStaleNotificationIsIgnored(t *testing.T) {
	transport := newFakeTransport()
	seedStories(transport)
	source := newTestSource(t, transport, 0)
	mustFind(t, source, objects.Criteria{"type": "post"})

	source.HandleNotification(testAddress, []byte(`{"changes":{"global.story":{"ids":[1],"gns":[3]}}}`))
	results := mustFind(t, source, objects.Criteria{"type": "post"})
	if transport.discoverCount() != 1 {
		t.Fatalf("stale notification triggered a refetch")
	}
	position := objects.IndexByID(results, 1)
	if results[position].GN() != 5 {
		t.Fatalf("cached copy was overwritten: %v", results[position])
	}
}

func TestFresherNotificationRefetchesOnlyChangedRows(t *testing.T) {
	transport := newFakeTransport()
	seedStories(transport)
	source := newTestSource(t, transport, 0)
	mustFind(t, source, objects.Criteria{"type": "post"})

	transport.put(testLocation, objects.Object{"id": int64(2), "gn": int64(2), "type": "post", "title": "deux"})
	source.HandleNotification(testAddress, []byte(`{"changes":{"global.story":{"ids":[2],"gns":[2]}}}`))

	if got := titles(mustFind(t, source, objects.Criteria{"type": "post"})); got != "deux,one" {
		t.Fatalf("unexpected results after notification %q", got)
	}
	retrievals := transport.retrievals()
	last := retrievals[len(retrievals)-1]
	if len(last) != 1 || last[0] != 2 {
		t.Fatalf("expected only row 2 to be retrieved, got %v", last)
	}
}

func TestRefetchRebasesPendingEdits(t *testing.T) {
	transport := newFakeTransport()
	seedStories(transport)
	source := newTestSource(t, transport, time.Hour)
	mustFind(t, source, objects.Criteria{"type": "post"})

	op, err := source.SaveAsync(testContext(t), testLocation, []objects.Object{{"id": 1, "title": "local"}})
	if err != nil {
		t.Fatalf("SaveAsync: %v", err)
	}
	transport.put(testLocation, objects.Object{"id": int64(1), "gn": int64(6), "type": "post", "title": "one", "body": "remote"})
	source.HandleNotification(testAddress, []byte(`{"changes":{"global.story":{"ids":[1],"gns":[6]}}}`))

	results := mustFind(t, source, objects.Criteria{"type": "post"})
	row := results[objects.IndexByID(results, 1)]
	if row["title"] != "local" || row["body"] != "remote" {
		t.Fatalf("expected rebased optimistic copy, got %v", row)
	}
	pending := op.Objects()[0]
	if pending["title"] != "local" || pending["body"] != "remote" || pending.GN() != 6 {
		t.Fatalf("pending edit was not rebased: %v", pending)
	}
}

func TestCommitDuringFetchStaysInResults(t *testing.T) {
	transport := newFakeTransport()
	seedStories(transport)
	source := newTestSource(t, transport, 0)
	ctx := testContext(t)

	held := transport.holdNextDiscovery()
	found := make(chan []objects.Object, 1)
	go func() {
		results, err := source.Find(ctx, objects.Query{Location: testLocation, Criteria: objects.Criteria{"type": "post"}})
		if err != nil {
			t.Errorf("Find: %v", err)
		}
		found <- results
	}()
	<-held.seen

	if _, err := source.Save(ctx, testLocation, []objects.Object{{"type": "post", "title": "new"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	close(held.release)

	if got := titles(<-found); got != "new,one,two" {
		t.Fatalf("committed object lost by the refresh: %q", got)
	}
	source.HandleNotification(testAddress, []byte(`{"changes":{"global.story":{"ids":[101],"gns":[1]}}}`))
	if got := titles(mustFind(t, source, objects.Criteria{"type": "post"})); got != "new,one,two" {
		t.Fatalf("unexpected results after the insert notification %q", got)
	}
}

func TestNotificationDuringFetchKeepsSearchStale(t *testing.T) {
	transport := newFakeTransport()
	seedStories(transport)
	source := newTestSource(t, transport, 0)
	ctx := testContext(t)

	held := transport.holdNextDiscovery()
	found := make(chan error, 1)
	go func() {
		_, err := source.Find(ctx, objects.Query{Location: testLocation, Criteria: objects.Criteria{"type": "post"}})
		found <- err
	}()
	<-held.seen

	transport.put(testLocation, objects.Object{"id": int64(2), "gn": int64(2), "type": "post", "title": "deux"})
	source.HandleNotification(testAddress, []byte(`{"changes":{"global.story":{"ids":[2],"gns":[2]}}}`))
	close(held.release)
	if err := <-found; err != nil {
		t.Fatalf("Find: %v", err)
	}

	if got := titles(mustFind(t, source, objects.Criteria{"type": "post"})); got != "deux,one" {
		t.Fatalf("notification during the refresh was lost: %q", got)
	}
	if transport.discoverCount() != 2 {
		t.Fatalf("expected a second discovery, got %d", transport.discoverCount())
	}
}

func TestRevalidationMarksSearchesStale(t *testing.T) {
	transport := newFakeTransport()
	seedStories(transport)
	source := newTestSource(t, transport, 0)
	mustFind(t, source, objects.Criteria{"type": "post"})

	source.HandleNotification(testAddress, []byte(`{"revalidation":{"schema":"global"}}`))
	if err := source.Refresh(testContext(t)); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if transport.discoverCount() != 2 {
		t.Fatalf("expected revalidation to refetch, got %d discoveries", transport.discoverCount())
	}
}

func TestUnknownNotificationIsIgnored(t *testing.T) {
	transport := newFakeTransport()
	seedStories(transport)
	source := newTestSource(t, transport, 0)
	mustFind(t, source, objects.Criteria{"type": "post"})

	events, cleanup := source.Subscribe(context.Background())
	defer cleanup()
	source.HandleNotification(testAddress, []byte(`{"weather":"sunny"}`))
	source.HandleNotification(testAddress, []byte(`not json`))

	select {
	case event := <-events:
		t.Fatalf("unexpected event %v", event)
	case <-time.After(30 * time.Millisecond):
	}
	mustFind(t, source, objects.Criteria{"type": "post"})
	if transport.discoverCount() != 1 {
		t.Fatalf("unknown payload invalidated searches")
	}
}

func TestSocketNotificationRecordsToken(t *testing.T) {
	source := newTestSource(t, newFakeTransport(), 0)
	source.HandleNotification(testAddress, []byte(`{"socket":"abc-123"}`))
	if token := source.SocketToken(testAddress); token != "abc-123" {
		t.Fatalf("expected socket token, got %q", token)
	}
}

func TestLocalSchemaNeverTouchesNetwork(t *testing.T) {
	transport := newFakeTransport()
	source := newTestSource(t, transport, 0)
	local := objects.Location{Schema: objects.LocalSchema, Table: "settings"}
	ctx := testContext(t)

	saved, err := source.Save(ctx, local, []objects.Object{{"key": "language", "value": "en"}})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(saved) != 1 {
		t.Fatalf("expected local save result, got %v", saved)
	}
	found, err := source.Find(ctx, objects.Query{Location: local, Criteria: objects.Criteria{"key": "language"}})
	if err != nil || len(found) != 1 || found[0]["value"] != "en" {
		t.Fatalf("unexpected local find %v, %v", found, err)
	}
	if transport.storeCount() != 0 || transport.discoverCount() != 0 {
		t.Fatalf("local schema reached the network")
	}
}

func TestEndAuthorizationDropsCache(t *testing.T) {
	transport := newFakeTransport()
	seedStories(transport)
	source := newTestSource(t, transport, 0)
	mustFind(t, source, objects.Criteria{"type": "post"})

	if err := source.EndAuthorization(testContext(t), testAddress); err != nil {
		t.Fatalf("EndAuthorization: %v", err)
	}
	if len(transport.ended) != 1 {
		t.Fatalf("expected session end to reach the server")
	}
	if _, err := source.Find(testContext(t), objects.Query{Location: testLocation}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after logout, got %v", err)
	}
}
