// Package remote keeps client-side caches of server objects consistent with local writes
// and server change notifications.
//
// A Source answers finds from cached searches and refreshes them from the server when
// they are stale. Saves and removals become pending operations that are applied to the
// cached searches immediately, coalesced while undispatched, and sent after a short delay.
// Notifications carrying row generations invalidate the searches they affect.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/trambar/internal/matcher"
	"github.com/MarcoPoloResearchLab/trambar/internal/merger"
	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
	"github.com/MarcoPoloResearchLab/trambar/internal/realtime"
)

var (
	// ErrUnauthorized indicates a missing or refused session for an address.
	ErrUnauthorized = errors.New("remote: unauthorized")
	// ErrNotFound indicates that a required find matched nothing.
	ErrNotFound = errors.New("remote: not found")
	// ErrCanceled indicates that the caller stopped waiting.
	ErrCanceled = errors.New("remote: canceled")
	// ErrClosed indicates use of a closed source.
	ErrClosed = errors.New("remote: source closed")

	errMissingTransport  = errors.New("transport is required")
	errMissingLocalStore = errors.New("local store is not configured")
	errMissingObjectID   = errors.New("removal requires an object id")
)

const eventsKey = "source"

// Transport carries requests to a server.
type Transport interface {
	Discover(ctx context.Context, location objects.Location, token string, criteria objects.Criteria) ([]objects.Version, error)
	Retrieve(ctx context.Context, location objects.Location, token string, ids []int64) ([]objects.Object, error)
	Store(ctx context.Context, location objects.Location, token string, list []objects.Object) ([]objects.Object, error)
	CheckSession(ctx context.Context, address, token string) (Session, error)
	EndSession(ctx context.Context, address, token string) error
}

// LocalStore holds the tables of the local schema.
type LocalStore interface {
	Find(ctx context.Context, table string, criteria objects.Criteria) ([]objects.Object, error)
	Save(ctx context.Context, table string, list []objects.Object) ([]objects.Object, error)
	Remove(ctx context.Context, table string, list []objects.Object) ([]objects.Object, error)
}

// Session describes an authorized server session.
type Session struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EventKind names what changed in the source.
type EventKind string

const (
	EventPatched      EventKind = "patched"
	EventCommitted    EventKind = "committed"
	EventRefreshed    EventKind = "refreshed"
	EventInvalidated  EventKind = "invalidated"
	EventNotification EventKind = "notification"
)

// Event tells subscribers that results at a location may have changed.
type Event struct {
	Kind         EventKind
	Location     objects.Location
	Notification *Notification
}

// SourceConfig wires a Source.
type SourceConfig struct {
	Transport       Transport
	LocalStore      LocalStore
	Matcher         *matcher.Matcher
	Logger          *zap.Logger
	Clock           func() time.Time
	SaveDelay       time.Duration
	RefreshInterval time.Duration
}

type session struct {
	token      string
	authorized bool
	info       Session
	socket     string
}

// Source is the client-side data source.
type Source struct {
	transport       Transport
	local           LocalStore
	matcher         *matcher.Matcher
	logger          *zap.Logger
	clock           func() time.Time
	saveDelay       time.Duration
	refreshInterval time.Duration
	events          *realtime.Dispatcher[Event]

	ctx        context.Context
	cancel     context.CancelFunc
	background sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	sessions    map[string]*session
	searches    []*Search
	rows        map[objects.Location]map[int64]objects.Object
	operations  []*Operation
	owners      map[int64]*Operation
	redirects   map[int64]int64
	placeholder int64
}

// NewSource constructs a Source.
func NewSource(cfg SourceConfig) (*Source, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	m := cfg.Matcher
	if m == nil {
		m = matcher.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Source{
		transport:       cfg.Transport,
		local:           cfg.LocalStore,
		matcher:         m,
		logger:          logger,
		clock:           clock,
		saveDelay:       cfg.SaveDelay,
		refreshInterval: cfg.RefreshInterval,
		events:          realtime.NewDispatcher[Event](64),
		ctx:             ctx,
		cancel:          cancel,
		sessions:        make(map[string]*session),
		rows:            make(map[objects.Location]map[int64]objects.Object),
		owners:          make(map[int64]*Operation),
		redirects:       make(map[int64]int64),
	}, nil
}

// Close cancels undispatched operations and stops background work.
func (s *Source) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := append([]*Operation(nil), s.operations...)
	s.mu.Unlock()

	for _, op := range pending {
		if op.Pending() {
			op.Cancel()
		}
	}
	s.cancel()
	s.background.Wait()
}

// Subscribe streams change events until ctx ends or cleanup runs.
func (s *Source) Subscribe(ctx context.Context) (<-chan Event, func()) {
	return s.events.Subscribe(ctx, eventsKey)
}

// Start checks that location can be reached.
func (s *Source) Start(ctx context.Context, location objects.Location) error {
	if err := location.Validate(); err != nil {
		return err
	}
	if location.IsLocal() {
		if s.local == nil {
			return errMissingLocalStore
		}
		return nil
	}
	_, err := s.authorize(ctx, location.Address)
	return err
}

// BeginAuthorization records the session token for address. The token is verified on first use.
func (s *Source) BeginAuthorization(address, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[address] = &session{token: token}
}

// CheckAuthorizationStatus asks the server whether the session for address is valid.
func (s *Source) CheckAuthorizationStatus(ctx context.Context, address string) (Session, error) {
	s.mu.Lock()
	current := s.sessions[address]
	s.mu.Unlock()
	if current == nil || current.token == "" {
		return Session{}, fmt.Errorf("%w: no session for %s", ErrUnauthorized, address)
	}
	info, err := s.transport.CheckSession(ctx, address, current.token)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[address] != current {
		return info, err
	}
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			current.authorized = false
		}
		return Session{}, err
	}
	current.authorized = true
	current.info = info
	return info, nil
}

// EndAuthorization ends the session for address and drops the searches cached for it.
func (s *Source) EndAuthorization(ctx context.Context, address string) error {
	s.mu.Lock()
	current := s.sessions[address]
	delete(s.sessions, address)
	kept := s.searches[:0]
	for _, search := range s.searches {
		if search.location.Address != address {
			kept = append(kept, search)
		}
	}
	s.searches = kept
	for location := range s.rows {
		if location.Address == address {
			delete(s.rows, location)
		}
	}
	s.mu.Unlock()

	if current == nil || current.token == "" {
		return nil
	}
	return s.transport.EndSession(ctx, address, current.token)
}

// SocketToken returns the connection token the server assigned over the socket.
func (s *Source) SocketToken(address string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current := s.sessions[address]; current != nil {
		return current.socket
	}
	return ""
}

func (s *Source) authorize(ctx context.Context, address string) (string, error) {
	s.mu.Lock()
	current := s.sessions[address]
	if current == nil || current.token == "" {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: no session for %s", ErrUnauthorized, address)
	}
	token, authorized := current.token, current.authorized
	s.mu.Unlock()
	if authorized {
		return token, nil
	}
	if _, err := s.CheckAuthorizationStatus(ctx, address); err != nil {
		return "", err
	}
	return token, nil
}

func (s *Source) sessionToken(address string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.sessions[address]
	if current == nil || current.token == "" {
		return "", fmt.Errorf("%w: no session for %s", ErrUnauthorized, address)
	}
	return current.token, nil
}

// transportFailed forgets a refused session so the next request checks it again.
func (s *Source) transportFailed(address string, err error) error {
	if errors.Is(err, ErrUnauthorized) {
		s.mu.Lock()
		if current := s.sessions[address]; current != nil {
			current.authorized = false
		}
		s.mu.Unlock()
	}
	return err
}

// Find returns the objects matching query, from cache when the cached search is fresh.
func (s *Source) Find(ctx context.Context, query objects.Query) ([]objects.Object, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	if query.Location.IsLocal() {
		return s.findLocal(ctx, query)
	}
	token, err := s.authorize(ctx, query.Location.Address)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	search := s.searchFor(query.Location, query.Criteria)
	switch {
	case search.fresh(s.clock(), s.refreshInterval):
		results := search.Results()
		s.mu.Unlock()
		return answer(query, results)
	case search.pending != nil:
		pending := search.pending
		s.mu.Unlock()
		if err := await(ctx, pending); err != nil {
			return nil, err
		}
	case query.Minimum > 0 && !search.fetched.IsZero() && len(search.results) >= query.Minimum:
		results := search.Results()
		s.startFetch(search, token)
		s.mu.Unlock()
		return answer(query, results)
	default:
		pending := s.startFetch(search, token)
		s.mu.Unlock()
		if err := await(ctx, pending); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	results := search.Results()
	s.mu.Unlock()
	return answer(query, results)
}

// Refresh refetches every invalidated search.
func (s *Source) Refresh(ctx context.Context) error {
	s.mu.Lock()
	var targets []*Search
	for _, search := range s.searches {
		if !search.fresh(s.clock(), s.refreshInterval) {
			targets = append(targets, search)
		}
	}
	s.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, search := range targets {
		group.Go(func() error {
			_, err := s.Find(groupCtx, objects.Query{Location: search.location, Criteria: search.criteria})
			return err
		})
	}
	return group.Wait()
}

// Revalidate marks every search of address stale, as after a reconnect.
func (s *Source) Revalidate(address string) {
	s.mu.Lock()
	var affected []objects.Location
	for _, search := range s.searches {
		if search.location.Address == address {
			search.invalidate()
			affected = append(affected, search.location)
		}
	}
	s.mu.Unlock()
	for _, location := range affected {
		s.emit(Event{Kind: EventInvalidated, Location: location})
	}
}

func (s *Source) findLocal(ctx context.Context, query objects.Query) ([]objects.Object, error) {
	if s.local == nil {
		return nil, errMissingLocalStore
	}
	results, err := s.local.Find(ctx, query.Location.Table, query.Criteria)
	if err != nil {
		return nil, err
	}
	return answer(query, results)
}

func answer(query objects.Query, results []objects.Object) ([]objects.Object, error) {
	if query.Required && len(results) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, query.Location)
	}
	return results, nil
}

func await(ctx context.Context, pending *fetch) error {
	select {
	case <-pending.done:
		return pending.err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}
}

// searchFor must be called with s.mu held.
func (s *Source) searchFor(location objects.Location, criteria objects.Criteria) *Search {
	for _, search := range s.searches {
		if search.is(location, criteria) {
			return search
		}
	}
	search := NewSearch(location, criteria, s.matcher)
	s.searches = append(s.searches, search)
	return search
}

// startFetch must be called with s.mu held.
func (s *Source) startFetch(search *Search, token string) *fetch {
	pending := newFetch()
	search.pending = pending
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		err := s.fetchSearch(search, token)
		s.mu.Lock()
		search.pending = nil
		if err != nil {
			search.dirty = true
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("search refresh failed",
				zap.String("operation", "remote.find"),
				zap.String("location", search.location.String()),
				zap.Error(err))
		} else {
			s.emit(Event{Kind: EventRefreshed, Location: search.location})
		}
		pending.finish(err)
	}()
	return pending
}

// fetchSearch runs discovery, retrieves only rows newer than the cached copies, and
// rebuilds the search from them.
func (s *Source) fetchSearch(search *Search, token string) error {
	location := search.location
	versions, err := s.transport.Discover(s.ctx, location, token, search.criteria)
	if err != nil {
		return s.transportFailed(location.Address, err)
	}

	s.mu.Lock()
	rows := s.rowsAt(location)
	var stale []int64
	for _, version := range versions {
		if row, ok := rows[version.ID]; !ok || row.GN() < version.GN {
			stale = append(stale, version.ID)
		}
	}
	s.mu.Unlock()

	var retrieved []objects.Object
	if len(stale) > 0 {
		retrieved, err = s.transport.Retrieve(s.ctx, location, token, stale)
		if err != nil {
			return s.transportFailed(location.Address, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.clock()
	var changed []int64
	for _, object := range retrieved {
		id, ok := object.ID()
		if !ok {
			continue
		}
		fresh := object.Clone()
		fresh.Stamp(at)
		if s.absorb(location, id, fresh) {
			changed = append(changed, id)
		}
	}

	results := make([]objects.Object, 0, len(versions))
	for _, version := range versions {
		if row, ok := rows[version.ID]; ok {
			results = append(results, row.Clone())
		}
	}
	search.SetResults(results)
	search.fetched = at
	search.dirty = false
	// Commits and notifications that landed after discovery are not in versions.
	var committed []int64
	if pending := search.pending; pending != nil {
		search.dirty = pending.invalidated
		committed = pending.committed
	}
	if len(committed) > 0 {
		s.replace(search, committed)
	} else {
		s.project(search)
	}
	for _, other := range s.searches {
		if other != search && other.location.Equal(location) {
			s.replace(other, changed)
		}
	}
	return nil
}

// absorb stores a server copy unless the cached copy is as new, rebasing undispatched
// edits of the row onto it. It must be called with s.mu held.
func (s *Source) absorb(location objects.Location, id int64, fresh objects.Object) bool {
	rows := s.rowsAt(location)
	base, cached := rows[id]
	if cached && base.GN() >= fresh.GN() {
		return false
	}
	if cached {
		for _, op := range s.operations {
			if !op.location.Equal(location) {
				continue
			}
			op.rebase(id, func(edit objects.Object) objects.Object {
				merged := merger.MergeObjects(base, base.Overlay(edit), fresh)
				merged.SetID(id)
				return merged
			})
		}
	}
	rows[id] = fresh
	return true
}

// replace re-places the given rows in search and re-applies in-flight operations.
// It must be called with s.mu held.
func (s *Source) replace(search *Search, ids []int64) {
	if len(ids) == 0 {
		return
	}
	rows := s.rowsAt(search.location)
	for _, id := range ids {
		if row, ok := rows[id]; ok {
			search.place(id, row)
		} else if position := objects.IndexByID(search.results, id); position >= 0 {
			search.removeAt(position)
		}
	}
	s.project(search)
}

// project applies the in-flight operations of the search's location. It must be called with s.mu held.
func (s *Source) project(search *Search) {
	for _, op := range s.operations {
		op.Apply(search, search.includeDeleted())
	}
}

// rowsAt must be called with s.mu held.
func (s *Source) rowsAt(location objects.Location) map[int64]objects.Object {
	rows := s.rows[location]
	if rows == nil {
		rows = make(map[int64]objects.Object)
		s.rows[location] = rows
	}
	return rows
}

// SaveAsync applies the objects to cached searches and schedules their storage. It returns
// once the optimistic state is visible; the operation resolves when the server confirms.
func (s *Source) SaveAsync(ctx context.Context, location objects.Location, list []objects.Object) (*Operation, error) {
	return s.write(ctx, Storage, location, list)
}

// RemoveAsync is SaveAsync for removals.
func (s *Source) RemoveAsync(ctx context.Context, location objects.Location, list []objects.Object) (*Operation, error) {
	return s.write(ctx, Removal, location, list)
}

// Save stores the objects and waits for the server copies.
func (s *Source) Save(ctx context.Context, location objects.Location, list []objects.Object) ([]objects.Object, error) {
	op, err := s.SaveAsync(ctx, location, list)
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

// Remove marks the objects deleted and waits for the server copies.
func (s *Source) Remove(ctx context.Context, location objects.Location, list []objects.Object) ([]objects.Object, error) {
	op, err := s.RemoveAsync(ctx, location, list)
	if err != nil {
		return nil, err
	}
	return op.Wait(ctx)
}

func (s *Source) write(ctx context.Context, kind OperationKind, location objects.Location, list []objects.Object) (*Operation, error) {
	if err := location.Validate(); err != nil {
		return nil, err
	}
	for index, object := range list {
		if err := object.Validate(); err != nil {
			return nil, fmt.Errorf("object %d: %w", index, err)
		}
		if _, ok := object.ID(); kind == Removal && !ok {
			return nil, fmt.Errorf("%w: object %d: %v", objects.ErrInvalidObject, index, errMissingObjectID)
		}
	}
	if location.IsLocal() {
		return s.writeLocal(ctx, kind, location, list)
	}
	if _, err := s.sessionToken(location.Address); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	prepared := make([]objects.Object, len(list))
	for index, object := range list {
		prepared[index] = s.prepare(object)
	}
	op := NewOperation(location, kind, prepared, Hooks{Dispatch: s.dispatch})
	op.now = s.clock
	for _, earlier := range s.operations {
		if earlier.location.Equal(location) {
			op.Merge(earlier)
		}
	}
	for _, id := range op.placeholders() {
		if owner := s.owners[id]; owner == nil || !owner.holds(id) {
			s.owners[id] = op
		}
	}
	s.operations = append(s.operations, op)
	for _, search := range s.searches {
		op.Apply(search, search.includeDeleted())
	}
	s.background.Add(1)
	s.mu.Unlock()

	s.emit(Event{Kind: EventPatched, Location: location})
	go func() {
		defer s.background.Done()
		<-op.Done()
		s.forget(op)
	}()
	if s.saveDelay > 0 {
		op.Delay(s.saveDelay)
		op.Dispatch()
	} else {
		go op.Dispatch()
	}
	return op, nil
}

// prepare assigns placeholder ids and follows ids the server already replaced.
// It must be called with s.mu held.
func (s *Source) prepare(object objects.Object) objects.Object {
	prepared := object.Clone()
	id, ok := prepared.ID()
	if !ok {
		s.placeholder--
		prepared.SetID(s.placeholder)
		prepared[objects.FieldUncommitted] = true
		return prepared
	}
	if replacement, ok := s.redirects[id]; ok {
		prepared.SetID(replacement)
		delete(prepared, objects.FieldUncommitted)
		return prepared
	}
	if id <= 0 {
		prepared[objects.FieldUncommitted] = true
	}
	return prepared
}

func (s *Source) writeLocal(ctx context.Context, kind OperationKind, location objects.Location, list []objects.Object) (*Operation, error) {
	if s.local == nil {
		return nil, errMissingLocalStore
	}
	op := NewOperation(location, kind, list, Hooks{
		Dispatch: func(op *Operation) ([]objects.Object, error) {
			payload := op.Deliverables()
			if kind == Removal {
				return s.local.Remove(ctx, location.Table, payload)
			}
			return s.local.Save(ctx, location.Table, payload)
		},
	})
	op.now = s.clock
	op.Dispatch()
	return op, nil
}

// dispatch is the storage hook of remote operations.
func (s *Source) dispatch(op *Operation) ([]objects.Object, error) {
	location := op.Location()
	token, err := s.authorize(s.ctx, location.Address)
	if err != nil {
		s.abandon(op, err)
		return nil, err
	}
	if err := s.awaitOwners(op); err != nil {
		s.abandon(op, err)
		return nil, err
	}
	payload := op.Deliverables()
	if len(payload) == 0 {
		s.commit(op, nil)
		return nil, nil
	}
	results, err := s.transport.Store(s.ctx, location, token, payload)
	if err == nil && len(results) != len(payload) {
		err = fmt.Errorf("remote: storage returned %d objects for %d", len(results), len(payload))
	}
	if err != nil {
		err = s.transportFailed(location.Address, err)
		s.abandon(op, err)
		return nil, err
	}
	s.commit(op, results)
	return results, nil
}

// awaitOwners waits for other operations creating the placeholders op refers to, then
// rewrites those placeholders to the server ids.
func (s *Source) awaitOwners(op *Operation) error {
	for {
		s.mu.Lock()
		var owner *Operation
		redirects := make(map[int64]int64)
		for _, id := range op.placeholders() {
			if replacement, ok := s.redirects[id]; ok {
				redirects[id] = replacement
				continue
			}
			if candidate := s.owners[id]; candidate != nil && candidate != op && owner == nil {
				owner = candidate
			}
		}
		s.mu.Unlock()
		op.redirect(redirects)
		if owner == nil {
			return nil
		}
		select {
		case <-owner.Done():
			s.forget(owner)
		case <-s.ctx.Done():
			return ErrClosed
		}
	}
}

// commit records stored rows, replaces placeholder ids and re-projects affected searches.
func (s *Source) commit(op *Operation, results []objects.Object) {
	location := op.Location()
	pairs := op.delivery(results)

	s.mu.Lock()
	at := s.clock()
	redirected := make(map[int64]int64)
	var ids []int64
	for _, pair := range pairs {
		sent, stored := pair[0], pair[1].Clone()
		storedID, ok := stored.ID()
		if !ok {
			continue
		}
		stored.Stamp(at)
		if sentID, ok := sent.ID(); ok && sentID != storedID {
			redirected[sentID] = storedID
			s.redirects[sentID] = storedID
			for _, search := range s.searches {
				if !search.location.Equal(location) {
					continue
				}
				if position := objects.IndexByID(search.results, sentID); position >= 0 {
					search.results[position].SetID(storedID)
					delete(search.results[position], objects.FieldUncommitted)
				}
			}
		}
		rows := s.rowsAt(location)
		if row, ok := rows[storedID]; !ok || row.GN() <= stored.GN() {
			rows[storedID] = stored
		}
		ids = append(ids, storedID)
	}
	s.detach(op)
	for _, other := range s.operations {
		other.redirect(redirected)
	}
	for _, search := range s.searches {
		if search.location.Equal(location) {
			if search.pending != nil {
				search.pending.committed = append(search.pending.committed, ids...)
			}
			s.replace(search, ids)
		}
	}
	s.mu.Unlock()

	s.logger.Debug("operation committed",
		zap.String("operation", "remote."+op.Kind().String()),
		zap.String("location", location.String()),
		zap.Int("objects", len(pairs)))
	s.emit(Event{Kind: EventCommitted, Location: location})
}

// abandon rolls back the optimistic state of a failed operation and marks its searches stale.
func (s *Source) abandon(op *Operation, cause error) {
	location := op.Location()
	s.mu.Lock()
	s.detach(op)
	s.restore(op)
	for _, search := range s.searches {
		if search.location.Equal(location) {
			search.invalidate()
		}
	}
	s.mu.Unlock()

	s.logger.Warn("operation failed",
		zap.String("operation", "remote."+op.Kind().String()),
		zap.String("location", location.String()),
		zap.Error(cause))
	s.emit(Event{Kind: EventInvalidated, Location: location})
}

// forget drops a resolved operation; for a canceled one its optimistic state is rolled back.
func (s *Source) forget(op *Operation) {
	s.mu.Lock()
	tracked := s.detach(op)
	if tracked && op.State() == StateCanceled {
		s.restore(op)
	}
	s.mu.Unlock()
	if tracked {
		s.emit(Event{Kind: EventPatched, Location: op.Location()})
	}
}

// detach removes op from the operation table. It must be called with s.mu held.
func (s *Source) detach(op *Operation) bool {
	tracked := false
	kept := s.operations[:0]
	for _, candidate := range s.operations {
		if candidate == op {
			tracked = true
			continue
		}
		kept = append(kept, candidate)
	}
	s.operations = kept
	for id, owner := range s.owners {
		if owner == op {
			delete(s.owners, id)
		}
	}
	return tracked
}

// restore rebuilds the searches touched by op from server rows and the remaining
// operations. It must be called with s.mu held.
func (s *Source) restore(op *Operation) {
	var ids []int64
	op.mu.Lock()
	for _, object := range op.objects {
		if id, ok := object.ID(); ok {
			ids = append(ids, id)
		}
	}
	op.mu.Unlock()
	for _, search := range s.searches {
		if search.location.Equal(op.location) {
			s.replace(search, ids)
		}
	}
}

// HandleNotification applies a message pushed by the server at address.
func (s *Source) HandleNotification(address string, payload []byte) {
	notification := UnpackNotification(payload)
	if notification == nil {
		s.logger.Debug("ignoring unrecognised notification", zap.String("address", address))
		return
	}

	var invalidated []objects.Location
	s.mu.Lock()
	switch notification.Type {
	case NotificationChanges:
		seen := make(map[objects.Location]bool)
		for _, change := range notification.Changes {
			location := objects.Location{Address: address, Schema: change.Schema, Table: change.Table}
			if row, ok := s.rows[location][change.ID]; ok && row.GN() >= change.GN {
				continue
			}
			for _, search := range s.searches {
				if search.location.Equal(location) {
					search.invalidate()
					if !seen[location] {
						seen[location] = true
						invalidated = append(invalidated, location)
					}
				}
			}
		}
	case NotificationRevalidation:
		schema, _ := notification.Revalidation["schema"].(string)
		for _, search := range s.searches {
			if search.location.Address == address && (schema == "" || search.location.Schema == schema) {
				search.invalidate()
				invalidated = append(invalidated, search.location)
			}
		}
	case NotificationSocket:
		if current := s.sessions[address]; current != nil {
			current.socket = notification.Socket
		}
	}
	s.mu.Unlock()

	for _, location := range invalidated {
		s.emit(Event{Kind: EventInvalidated, Location: location})
	}
	s.emit(Event{Kind: EventNotification, Location: objects.Location{Address: address}, Notification: notification})
}

func (s *Source) emit(event Event) {
	s.events.Publish(eventsKey, event)
}
