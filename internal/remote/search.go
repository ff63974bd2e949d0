package remote

import (
	"time"

	"github.com/MarcoPoloResearchLab/trambar/internal/matcher"
	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
)

// Search is a cached result set for one (location, criteria) pair. Its results are the last
// known server state with in-flight local writes projected on top.
type Search struct {
	location objects.Location
	criteria objects.Criteria
	matcher  *matcher.Matcher

	results []objects.Object
	fetched time.Time
	dirty   bool
	pending *fetch
}

// fetch is an in-flight refresh that concurrent finds wait on. committed and invalidated
// record what happened at the location while the refresh was running; the source mutex
// guards both.
type fetch struct {
	done chan struct{}
	err  error

	committed   []int64
	invalidated bool
}

func newFetch() *fetch {
	return &fetch{done: make(chan struct{})}
}

func (f *fetch) finish(err error) {
	f.err = err
	close(f.done)
}

// NewSearch returns an empty search that has never been fetched.
func NewSearch(location objects.Location, criteria objects.Criteria, m *matcher.Matcher) *Search {
	if m == nil {
		m = matcher.New()
	}
	return &Search{location: location, criteria: criteria.Clone(), matcher: m}
}

// Location returns the searched location.
func (s *Search) Location() objects.Location {
	return s.location
}

// Criteria returns a copy of the criteria.
func (s *Search) Criteria() objects.Criteria {
	return s.criteria.Clone()
}

// Matches reports whether object belongs in the result set.
func (s *Search) Matches(object objects.Object) bool {
	return s.matcher.Match(s.location.Table, object, s.criteria)
}

// Results returns copies of the cached results.
func (s *Search) Results() []objects.Object {
	list := make([]objects.Object, 0, len(s.results))
	for _, object := range s.results {
		list = append(list, object.Clone())
	}
	return list
}

// SetResults replaces the cached results.
func (s *Search) SetResults(list []objects.Object) {
	s.results = make([]objects.Object, 0, len(list))
	for _, object := range list {
		s.results = append(s.results, object.Clone())
	}
}

func (s *Search) is(location objects.Location, criteria objects.Criteria) bool {
	return s.location.Equal(location) && s.criteria.Equal(criteria)
}

func (s *Search) includeDeleted() bool {
	return s.criteria.IncludesDeleted()
}

// invalidate marks the search stale, along with any refresh already under way.
func (s *Search) invalidate() {
	s.dirty = true
	if s.pending != nil {
		s.pending.invalidated = true
	}
}

func (s *Search) fresh(now time.Time, maxAge time.Duration) bool {
	if s.dirty || s.fetched.IsZero() {
		return false
	}
	return maxAge <= 0 || now.Sub(s.fetched) < maxAge
}

func (s *Search) find(id int64) (objects.Object, bool) {
	position := objects.IndexByID(s.results, id)
	if position < 0 {
		return nil, false
	}
	return s.results[position], true
}

func (s *Search) upsert(position int, object objects.Object) {
	if position >= 0 && position < len(s.results) {
		s.results[position] = object
		return
	}
	s.results = append(s.results, object)
}

func (s *Search) removeAt(position int) {
	s.results = append(s.results[:position], s.results[position+1:]...)
}

// place re-matches a server copy of an object, replacing whichever cached entry holds id.
func (s *Search) place(id int64, object objects.Object) bool {
	position := objects.IndexByID(s.results, id)
	if !s.Matches(object) {
		if position >= 0 {
			s.removeAt(position)
			return true
		}
		return false
	}
	s.upsert(position, object.Clone())
	return true
}
