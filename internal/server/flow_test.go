package server_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/trambar/internal/auth"
	"github.com/MarcoPoloResearchLab/trambar/internal/client"
	"github.com/MarcoPoloResearchLab/trambar/internal/matcher"
	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
	"github.com/MarcoPoloResearchLab/trambar/internal/realtime"
	"github.com/MarcoPoloResearchLab/trambar/internal/remote"
	"github.com/MarcoPoloResearchLab/trambar/internal/server"
)

const flowSigningSecret = "flow-secret"

// memoryStore keeps rows per "schema.table" and answers with the client's matcher.
type memoryStore struct {
	mu      sync.Mutex
	matcher *matcher.Matcher
	rows    map[string]map[int64]objects.Object
	nextID  int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{matcher: matcher.New(), rows: make(map[string]map[int64]objects.Object)}
}

func (m *memoryStore) AllowsSchema(schema string) bool {
	return schema == "global"
}

func (m *memoryStore) Discover(_ context.Context, schema, table string, criteria objects.Criteria) ([]objects.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := make([]objects.Version, 0)
	for id, row := range m.rows[schema+"."+table] {
		if row.Deleted() && !criteria.IncludesDeleted() {
			continue
		}
		if m.matcher.Match(table, row, criteria) {
			versions = append(versions, objects.Version{ID: id, GN: row.GN()})
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].ID < versions[j].ID })
	return versions, nil
}

func (m *memoryStore) Retrieve(_ context.Context, schema, table string, ids []int64) ([]objects.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]objects.Object, 0, len(ids))
	for _, id := range ids {
		if row, ok := m.rows[schema+"."+table][id]; ok {
			list = append(list, row.Clone())
		}
	}
	return list, nil
}

func (m *memoryStore) Save(_ context.Context, schema, table string, list []objects.Object) ([]objects.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := schema + "." + table
	if m.rows[key] == nil {
		m.rows[key] = make(map[int64]objects.Object)
	}
	now := objects.FormatTime(time.Now())
	saved := make([]objects.Object, 0, len(list))
	for _, object := range list {
		row := object.Clone()
		delete(row, objects.FieldUncommitted)
		id, ok := row.ID()
		if !ok {
			m.nextID++
			id = m.nextID
			row.SetID(id)
			row[objects.FieldCTime] = now
		} else if existing, found := m.rows[key][id]; found {
			row = existing.Overlay(row)
		}
		row[objects.FieldGN] = row.GN() + 1
		row[objects.FieldMTime] = now
		m.rows[key][id] = row
		saved = append(saved, row.Clone())
	}
	return saved, nil
}

func (m *memoryStore) EnsureTable(context.Context, string, string) error {
	return nil
}

func TestClientSavesFindsAndFollowsChanges(t *testing.T) {
	gin.SetMode(gin.TestMode)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(flowSigningSecret)})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(flowSigningSecret)})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	token, _, err := issuer.IssueToken("user-abc", []string{"global"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	store := newMemoryStore()
	changes := realtime.NewDispatcher[[]byte](4)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:    validator,
		Store:        store,
		Changes:      changes,
		Logger:       zap.NewNop(),
		PingInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	source, err := remote.NewSource(remote.SourceConfig{Transport: remote.NewHTTPTransport(testServer.Client())})
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	defer source.Close()
	source.BeginAuthorization(testServer.URL, token)

	db, err := client.New(source, client.Context{Address: testServer.URL, Schema: "global"})
	if err != nil {
		t.Fatalf("database: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	saved, err := db.SaveOne(ctx, "story", objects.Object{"title": "hello", "type": "post"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id, ok := saved.ID(); !ok || id != 1 {
		t.Fatalf("expected server assigned id 1, got %v", saved[objects.FieldID])
	}

	found, err := db.Find(ctx, "story", objects.Criteria{"type": "post"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 1 || found[0]["title"] != "hello" {
		t.Fatalf("unexpected find result: %v", found)
	}

	events, cleanup := db.Subscribe(ctx)
	defer cleanup()

	socket, err := remote.NewSocketClient(remote.SocketConfig{
		Address: testServer.URL,
		Token:   token,
		Schemas: []string{"global"},
		Handler: source,
	})
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	socketCtx, stopSocket := context.WithCancel(ctx)
	socketDone := make(chan error, 1)
	go func() { socketDone <- socket.Run(socketCtx) }()
	defer func() {
		stopSocket()
		<-socketDone
	}()

	deadline := time.Now().Add(5 * time.Second)
	for source.SocketToken(testServer.URL) == "" || changes.Subscribers("global") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("socket did not connect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := store.Save(ctx, "global", "story", []objects.Object{{"title": "second", "type": "post"}}); err != nil {
		t.Fatalf("direct save: %v", err)
	}
	changes.Publish("global", []byte(`{"changes":{"global.story":{"ids":[2],"gns":[1]}}}`))

	invalidated := false
	for !invalidated {
		select {
		case event := <-events:
			invalidated = event.Kind == remote.EventInvalidated && event.Location.Table == "story"
		case <-ctx.Done():
			t.Fatalf("no invalidation after the change notification")
		}
	}

	refreshed, err := db.Find(ctx, "story", objects.Criteria{"type": "post"})
	if err != nil {
		t.Fatalf("find after change: %v", err)
	}
	if len(refreshed) != 2 {
		t.Fatalf("expected both stories after the change, got %v", refreshed)
	}
}

func TestClientWithForeignTokenIsUnauthorized(t *testing.T) {
	gin.SetMode(gin.TestMode)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(flowSigningSecret)})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	foreign, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("other-secret")})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	token, _, err := foreign.IssueToken("user-abc", nil)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator: validator,
		Store:     newMemoryStore(),
		Changes:   realtime.NewDispatcher[[]byte](1),
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	source, err := remote.NewSource(remote.SourceConfig{Transport: remote.NewHTTPTransport(testServer.Client())})
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	defer source.Close()
	source.BeginAuthorization(testServer.URL, token)

	db, err := client.New(source, client.Context{Address: testServer.URL, Schema: "global"})
	if err != nil {
		t.Fatalf("database: %v", err)
	}
	if _, err := db.Find(context.Background(), "story", nil); !errors.Is(err, remote.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
