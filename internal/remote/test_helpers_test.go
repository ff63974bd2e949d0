package remote

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/trambar/internal/matcher"
	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
)

const (
	testAddress = "http://trambar.test"
	testToken   = "token-1"
)

var testLocation = objects.Location{Address: testAddress, Schema: "global", Table: "story"}

// fakeTransport is an in-memory server.
type fakeTransport struct {
	mu         sync.Mutex
	matcher    *matcher.Matcher
	rows       map[string]map[int64]objects.Object
	nextID     int64
	sessionErr error
	storeErr   error
	storeGate  chan struct{}
	storeSeen  chan struct{}
	heldFind   *heldDiscovery

	discoverCalls int
	retrieved     [][]int64
	stored        [][]objects.Object
	ended         []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		matcher: matcher.New(),
		rows:    make(map[string]map[int64]objects.Object),
		nextID:  100,
	}
}

func (f *fakeTransport) put(location objects.Location, object objects.Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _ := object.ID()
	if f.rows[location.Key()] == nil {
		f.rows[location.Key()] = make(map[int64]objects.Object)
	}
	f.rows[location.Key()][id] = object.Clone()
}

func (f *fakeTransport) row(location objects.Location, id int64) objects.Object {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[location.Key()][id].Clone()
}

// heldDiscovery parks one discovery after it has read the rows.
type heldDiscovery struct {
	seen    chan struct{}
	release chan struct{}
}

// holdNextDiscovery makes the next Discover answer from the rows as they are now, but only
// once release is closed.
func (f *fakeTransport) holdNextDiscovery() *heldDiscovery {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heldFind = &heldDiscovery{seen: make(chan struct{}), release: make(chan struct{})}
	return f.heldFind
}

func (f *fakeTransport) Discover(ctx context.Context, location objects.Location, token string, criteria objects.Criteria) ([]objects.Version, error) {
	f.mu.Lock()
	if token != testToken {
		f.mu.Unlock()
		return nil, &HTTPError{Status: 401}
	}
	f.discoverCalls++
	var versions []objects.Version
	for id, row := range f.rows[location.Key()] {
		if f.matcher.Match(location.Table, row, criteria) {
			versions = append(versions, objects.Version{ID: id, GN: row.GN()})
		}
	}
	held := f.heldFind
	f.heldFind = nil
	f.mu.Unlock()

	sort.Slice(versions, func(i, j int) bool { return versions[i].ID < versions[j].ID })
	if held != nil {
		close(held.seen)
		select {
		case <-held.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return versions, nil
}

func (f *fakeTransport) Retrieve(_ context.Context, location objects.Location, _ string, ids []int64) ([]objects.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrieved = append(f.retrieved, append([]int64(nil), ids...))
	var list []objects.Object
	for _, id := range ids {
		if row, ok := f.rows[location.Key()][id]; ok {
			list = append(list, row.Clone())
		}
	}
	return list, nil
}

func (f *fakeTransport) Store(ctx context.Context, location objects.Location, _ string, list []objects.Object) ([]objects.Object, error) {
	f.mu.Lock()
	gate, seen := f.storeGate, f.storeSeen
	f.mu.Unlock()
	if seen != nil {
		seen <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	copied := make([]objects.Object, len(list))
	for index, object := range list {
		copied[index] = object.Clone()
	}
	f.stored = append(f.stored, copied)
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	if f.rows[location.Key()] == nil {
		f.rows[location.Key()] = make(map[int64]objects.Object)
	}
	results := make([]objects.Object, 0, len(list))
	for _, object := range list {
		id, ok := object.ID()
		var row objects.Object
		if ok {
			row = f.rows[location.Key()][id]
		}
		if !ok {
			f.nextID++
			id = f.nextID
		}
		stored := objects.Object{}
		if row != nil {
			stored = row.Clone()
		}
		for key, value := range object {
			if key == objects.FieldGN || key == objects.FieldRTime {
				continue
			}
			stored[key] = objects.CloneValue(value)
		}
		stored.SetID(id)
		stored[objects.FieldGN] = row.GN() + 1
		f.rows[location.Key()][id] = stored
		results = append(results, stored.Clone())
	}
	return results, nil
}

func (f *fakeTransport) CheckSession(_ context.Context, _ string, token string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionErr != nil {
		return Session{}, f.sessionErr
	}
	if token != testToken {
		return Session{}, &HTTPError{Status: 401, Code: "unauthorized"}
	}
	return Session{UserID: "7", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTransport) EndSession(_ context.Context, address, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, address)
	return nil
}

func (f *fakeTransport) storeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

func (f *fakeTransport) discoverCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discoverCalls
}

func (f *fakeTransport) retrievals() [][]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]int64(nil), f.retrieved...)
}

func (f *fakeTransport) payload(call int) []objects.Object {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored[call]
}

// memoryLocalStore keeps local tables in maps.
type memoryLocalStore struct {
	mu     sync.Mutex
	tables map[string][]objects.Object
	nextID int64
}

func newMemoryLocalStore() *memoryLocalStore {
	return &memoryLocalStore{tables: make(map[string][]objects.Object)}
}

func (m *memoryLocalStore) Find(_ context.Context, table string, criteria objects.Criteria) ([]objects.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	match := matcher.New()
	var list []objects.Object
	for _, object := range m.tables[table] {
		if match.Match(table, object, criteria) {
			list = append(list, object.Clone())
		}
	}
	return list, nil
}

func (m *memoryLocalStore) Save(_ context.Context, table string, list []objects.Object) ([]objects.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var saved []objects.Object
	for _, object := range list {
		stored := object.Clone()
		id, ok := stored.ID()
		if !ok {
			m.nextID++
			id = m.nextID
			stored.SetID(id)
		}
		if position := objects.IndexByID(m.tables[table], id); position >= 0 {
			m.tables[table][position] = stored
		} else {
			m.tables[table] = append(m.tables[table], stored)
		}
		saved = append(saved, stored.Clone())
	}
	return saved, nil
}

func (m *memoryLocalStore) Remove(ctx context.Context, table string, list []objects.Object) ([]objects.Object, error) {
	return m.Save(ctx, table, list)
}

func newTestSource(t *testing.T, transport *fakeTransport, delay time.Duration) *Source {
	t.Helper()
	source, err := NewSource(SourceConfig{
		Transport:  transport,
		LocalStore: newMemoryLocalStore(),
		SaveDelay:  delay,
	})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	source.BeginAuthorization(testAddress, testToken)
	t.Cleanup(source.Close)
	return source
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustFind(t *testing.T, source *Source, criteria objects.Criteria) []objects.Object {
	t.Helper()
	results, err := source.Find(testContext(t), objects.Query{Location: testLocation, Criteria: criteria})
	if err != nil {
		t.Fatalf("Find(%v): %v", criteria, err)
	}
	return results
}

func titles(list []objects.Object) string {
	var parts []string
	for _, object := range list {
		title, _ := object["title"].(string)
		parts = append(parts, title)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
