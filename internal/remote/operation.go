package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
)

// OperationKind distinguishes storage from removal.
type OperationKind int

const (
	Storage OperationKind = iota
	Removal
)

func (k OperationKind) String() string {
	if k == Removal {
		return "removal"
	}
	return "storage"
}

// OperationState is the lifecycle position of an operation.
type OperationState string

const (
	StateCreated     OperationState = "created"
	StateDelayed     OperationState = "delayed"
	StateDispatching OperationState = "dispatching"
	StateDispatched  OperationState = "dispatched"
	StateCommitted   OperationState = "committed"
	StateFailed      OperationState = "failed"
	StateCanceled    OperationState = "canceled"
)

// Hooks are the callbacks an operation drives.
// Dispatch sends the operation and returns one stored object per deliverable, in order.
// Cancel runs when an operation is canceled before it was dispatched.
type Hooks struct {
	Dispatch func(op *Operation) ([]objects.Object, error)
	Cancel   func(op *Operation)
}

// Operation is a batched save or removal awaiting network confirmation.
type Operation struct {
	location objects.Location
	kind     OperationKind
	hooks    Hooks
	now      func() time.Time

	mu          sync.Mutex
	objects     []objects.Object
	removed     []bool
	delivered   []int
	delayed     bool
	dispatching bool
	dispatched  bool
	committed   bool
	canceled    bool
	settled     bool
	timer       *time.Timer
	successor   *Operation
	results     []objects.Object
	aligned     map[int]objects.Object
	err         error
	done        chan struct{}
}

// NewOperation wraps objects for one location. The objects are copied.
func NewOperation(location objects.Location, kind OperationKind, list []objects.Object, hooks Hooks) *Operation {
	copied := make([]objects.Object, len(list))
	for index, object := range list {
		copied[index] = object.Clone()
	}
	return &Operation{
		location: location,
		kind:     kind,
		hooks:    hooks,
		now:      time.Now,
		objects:  copied,
		removed:  make([]bool, len(copied)),
		done:     make(chan struct{}),
	}
}

// Location returns the target location.
func (op *Operation) Location() objects.Location {
	return op.location
}

// Kind returns whether the operation stores or removes.
func (op *Operation) Kind() OperationKind {
	return op.kind
}

// Objects returns copies of the objects that have not been superseded.
func (op *Operation) Objects() []objects.Object {
	op.mu.Lock()
	defer op.mu.Unlock()
	var list []objects.Object
	for index, object := range op.objects {
		if !op.removed[index] {
			list = append(list, object.Clone())
		}
	}
	return list
}

// State reports the lifecycle position.
func (op *Operation) State() OperationState {
	op.mu.Lock()
	defer op.mu.Unlock()
	switch {
	case op.canceled:
		return StateCanceled
	case op.committed:
		return StateCommitted
	case op.settled && op.err != nil:
		return StateFailed
	case op.dispatched:
		return StateDispatched
	case op.dispatching:
		return StateDispatching
	case op.delayed:
		return StateDelayed
	default:
		return StateCreated
	}
}

// Pending reports whether the operation can still be merged into.
func (op *Operation) Pending() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return !op.dispatched && !op.canceled
}

// Delay holds dispatch back for d; a dispatch requested meanwhile is sent when the delay ends.
// Delaying again restarts the window.
func (op *Operation) Delay(d time.Duration) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.dispatched || op.canceled {
		return
	}
	if op.timer != nil {
		op.timer.Stop()
	}
	op.delayed = true
	op.timer = time.AfterFunc(d, op.expire)
}

func (op *Operation) expire() {
	op.mu.Lock()
	op.delayed = false
	op.timer = nil
	intent := op.dispatching
	op.mu.Unlock()
	if intent {
		op.Dispatch()
	}
}

// Dispatch sends the operation once. While delayed it only records the intent.
// It blocks until the dispatch hook returns.
func (op *Operation) Dispatch() {
	op.mu.Lock()
	if op.dispatched || op.canceled {
		op.mu.Unlock()
		return
	}
	op.dispatching = true
	if op.delayed {
		op.mu.Unlock()
		return
	}
	op.dispatched = true
	op.mu.Unlock()

	var (
		results []objects.Object
		err     error
	)
	if op.hooks.Dispatch != nil {
		results, err = op.hooks.Dispatch(op)
	}

	op.mu.Lock()
	defer op.mu.Unlock()
	if op.canceled {
		op.settle(nil, nil)
		return
	}
	if err != nil {
		op.settle(nil, err)
		return
	}
	at := op.now()
	op.aligned = make(map[int]objects.Object, len(results))
	stamped := make([]objects.Object, 0, len(results))
	for position, result := range results {
		copied := result.Clone()
		copied.Stamp(at)
		stamped = append(stamped, copied)
		if position < len(op.delivered) {
			op.aligned[op.delivered[position]] = copied
		}
	}
	op.committed = true
	op.settle(stamped, nil)
}

// Cancel stops a pending operation and resolves it with no results. After dispatch the
// request still completes but its outcome is withheld from waiters.
func (op *Operation) Cancel() {
	op.mu.Lock()
	if op.canceled {
		op.mu.Unlock()
		return
	}
	op.canceled = true
	op.stopTimer()
	if op.dispatched {
		op.mu.Unlock()
		return
	}
	op.mu.Unlock()

	if op.hooks.Cancel != nil {
		op.hooks.Cancel(op)
	}
	op.mu.Lock()
	op.settle(nil, nil)
	op.mu.Unlock()
}

// Superseded reports whether a later operation took over every object of this one.
func (op *Operation) Superseded() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.successor != nil
}

// Merge folds the undispatched earlier operation into op. Objects of op back-fill missing
// fields from earlier objects with the same id, and those earlier objects are dropped from
// earlier. When nothing of earlier remains it is canceled and its waiters receive op's
// results for the objects it held.
func (op *Operation) Merge(earlier *Operation) {
	if earlier == nil || earlier == op {
		return
	}
	earlier.mu.Lock()
	if earlier.dispatched || earlier.canceled {
		earlier.mu.Unlock()
		return
	}
	op.mu.Lock()
	forward := make(map[int]int)
	for index, object := range op.objects {
		id, ok := object.ID()
		if !ok {
			continue
		}
		for position, previous := range earlier.objects {
			if earlier.removed[position] {
				continue
			}
			if previousID, ok := previous.ID(); ok && previousID == id {
				op.objects[index] = previous.Overlay(object)
				earlier.removed[position] = true
				forward[position] = index
				break
			}
		}
	}
	op.mu.Unlock()

	remaining := false
	for _, removed := range earlier.removed {
		if !removed {
			remaining = true
			break
		}
	}
	if remaining || len(earlier.objects) == 0 {
		earlier.mu.Unlock()
		return
	}
	earlier.canceled = true
	earlier.successor = op
	earlier.stopTimer()
	earlier.mu.Unlock()

	if earlier.hooks.Cancel != nil {
		earlier.hooks.Cancel(earlier)
	}
	go earlier.follow(op, forward)
}

// follow settles a superseded operation with the successor's outcome.
func (op *Operation) follow(successor *Operation, forward map[int]int) {
	<-successor.done
	successor.mu.Lock()
	err := successor.err
	var results []objects.Object
	aligned := make(map[int]objects.Object)
	for position := 0; position < len(op.objects); position++ {
		index, ok := forward[position]
		if !ok {
			continue
		}
		if result, ok := successor.aligned[index]; ok {
			results = append(results, result.Clone())
			aligned[position] = result
		}
	}
	successor.mu.Unlock()

	op.mu.Lock()
	op.aligned = aligned
	op.settle(results, err)
	op.mu.Unlock()
}

// Apply projects the operation onto a cached search so readers see the edit before the
// server confirms it. It reports whether the results changed.
func (op *Operation) Apply(search *Search, includeDeleted bool) bool {
	if search == nil || !search.location.Equal(op.location) {
		return false
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	changed := false
	for index, object := range op.objects {
		if op.removed[index] {
			continue
		}
		id, ok := object.ID()
		if !ok {
			continue
		}
		position := objects.IndexByID(search.results, id)
		if op.kind == Removal || object.Deleted() {
			if !includeDeleted {
				if position >= 0 {
					search.removeAt(position)
					changed = true
				}
				continue
			}
		}
		var projected objects.Object
		if position >= 0 {
			projected = search.results[position].Overlay(object)
		} else {
			projected = object.Clone()
		}
		if op.kind == Removal {
			projected[objects.FieldDeleted] = true
		}
		if search.Matches(projected) {
			search.upsert(position, projected)
			changed = true
		} else if position >= 0 {
			search.removeAt(position)
			changed = true
		}
	}
	return changed
}

// Deliverables returns the wire payload: placeholder ids and the uncommitted marker are
// stripped, and removals of objects the server never saw are left out.
func (op *Operation) Deliverables() []objects.Object {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.delivered = op.delivered[:0]
	var payload []objects.Object
	for index, object := range op.objects {
		if op.removed[index] {
			continue
		}
		placeholder := !object.Committed()
		if placeholder && (op.kind == Removal || object.Deleted()) {
			continue
		}
		copied := object.Clone()
		delete(copied, objects.FieldUncommitted)
		if placeholder {
			delete(copied, objects.FieldID)
		}
		if op.kind == Removal {
			copied[objects.FieldDeleted] = true
		}
		payload = append(payload, copied)
		op.delivered = append(op.delivered, index)
	}
	return payload
}

// delivery pairs each delivered object, as held before stripping, with its stored result.
func (op *Operation) delivery(results []objects.Object) [][2]objects.Object {
	op.mu.Lock()
	defer op.mu.Unlock()
	pairs := make([][2]objects.Object, 0, len(results))
	for position, result := range results {
		if position >= len(op.delivered) {
			break
		}
		pairs = append(pairs, [2]objects.Object{op.objects[op.delivered[position]].Clone(), result})
	}
	return pairs
}

// placeholders returns the synthetic ids the operation carries.
func (op *Operation) placeholders() []int64 {
	op.mu.Lock()
	defer op.mu.Unlock()
	var ids []int64
	for index, object := range op.objects {
		if op.removed[index] {
			continue
		}
		if id, ok := object.ID(); ok && !object.Committed() {
			ids = append(ids, id)
		}
	}
	return ids
}

// redirect rewrites synthetic ids that the server has since replaced.
func (op *Operation) redirect(ids map[int64]int64) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	changed := false
	for _, object := range op.objects {
		id, ok := object.ID()
		if !ok {
			continue
		}
		if replacement, ok := ids[id]; ok {
			object.SetID(replacement)
			delete(object, objects.FieldUncommitted)
			changed = true
		}
	}
	return changed
}

// rebase replaces the pending edit of one object with its merge against a fresher copy.
func (op *Operation) rebase(id int64, rebased func(edit objects.Object) objects.Object) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.dispatched || op.canceled {
		return false
	}
	for index, object := range op.objects {
		if op.removed[index] {
			continue
		}
		if objectID, ok := object.ID(); ok && objectID == id {
			op.objects[index] = rebased(object)
			return true
		}
	}
	return false
}

// holds reports whether the operation carries an object with the given id.
func (op *Operation) holds(id int64) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	for index, object := range op.objects {
		if op.removed[index] {
			continue
		}
		if objectID, ok := object.ID(); ok && objectID == id {
			return true
		}
	}
	return false
}

// Done is closed once the operation resolves.
func (op *Operation) Done() <-chan struct{} {
	return op.done
}

// Results returns the stored objects, or the dispatch error. Both are empty until Done.
func (op *Operation) Results() ([]objects.Object, error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	list := make([]objects.Object, 0, len(op.results))
	for _, object := range op.results {
		list = append(list, object.Clone())
	}
	return list, op.err
}

// Wait blocks until the operation resolves or ctx ends.
func (op *Operation) Wait(ctx context.Context) ([]objects.Object, error) {
	select {
	case <-op.done:
		return op.Results()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}
}

func (op *Operation) stopTimer() {
	if op.timer != nil {
		op.timer.Stop()
		op.timer = nil
	}
	op.delayed = false
}

// settle must be called with op.mu held.
func (op *Operation) settle(results []objects.Object, err error) {
	if op.settled {
		return
	}
	op.settled = true
	op.results = results
	op.err = err
	close(op.done)
}
