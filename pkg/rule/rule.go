package rule

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Rule pairs matchers with a handler. A rule matches a request when all of
// its matchers do. Rules are immutable once added to a Set.
type Rule struct {
	ID       string
	Matchers []Matcher
	Handler  Handler

	seq uint64
	err error
}

// Seq is the registration sequence number assigned by the Set.
func (r *Rule) Seq() uint64 { return r.seq }

// Matches reports whether every matcher accepts req.
func (r *Rule) Matches(req *Request) bool {
	for _, m := range r.Matchers {
		if !m.Matches(req) {
			return false
		}
	}
	return true
}

// Validate reports construction errors and inconsistent handlers.
func (r *Rule) Validate() error {
	if r.err != nil {
		return r.err
	}
	if len(r.Matchers) == 0 {
		return errors.New("rule has no matchers")
	}
	for i, m := range r.Matchers {
		if m == nil {
			return fmt.Errorf("matcher %d is nil", i)
		}
	}
	return r.Handler.Validate()
}

// String describes the rule, e.g. "Match requests for GET requests, and for
// http://example.com/, and then pass the request through to the target host."
func (r *Rule) String() string {
	parts := make([]string, 0, len(r.Matchers))
	for _, m := range r.Matchers {
		parts = append(parts, m.Describe())
	}
	return fmt.Sprintf("Match requests %s, and then %s.", strings.Join(parts, ", and "), r.Handler)
}

func (r *Rule) needsBody() bool {
	for _, m := range r.Matchers {
		if bm, ok := m.(bodyMatcher); ok && bm.needsBody() {
			return true
		}
	}
	return false
}

// Select returns the most recently registered rule in rules (ordered by
// registration) that matches req, or nil.
func Select(rules []*Rule, req *Request) *Rule {
	for i := len(rules) - 1; i >= 0; i-- {
		if rules[i].Matches(req) {
			return rules[i]
		}
	}
	return nil
}

// Set is the ordered rule registry. Reads take a snapshot without locking;
// writes are serialised and replace the snapshot.
type Set struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[[]*Rule]
	seq      uint64
}

// NewSet returns an empty rule set.
func NewSet() *Set {
	s := &Set{}
	empty := []*Rule{}
	s.snapshot.Store(&empty)
	return s
}

func (s *Set) load() []*Rule {
	if p := s.snapshot.Load(); p != nil {
		return *p
	}
	return nil
}

// Add validates and registers rules, in argument order. Rules without an ID
// get a UUID. Nothing is registered if any rule is invalid.
func (s *Set) Add(rules ...Rule) ([]*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.load()
	seen := make(map[string]bool, len(current)+len(rules))
	for _, r := range current {
		seen[r.ID] = true
	}

	added := make([]*Rule, 0, len(rules))
	seq := s.seq
	for i := range rules {
		r := rules[i]
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule %d: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true

		seq++
		r.seq = seq
		r.Matchers = slices.Clone(r.Matchers)
		r.Handler = r.Handler.Clone()
		added = append(added, &r)
	}

	next := make([]*Rule, 0, len(current)+len(added))
	next = append(next, current...)
	next = append(next, added...)
	s.snapshot.Store(&next)
	s.seq = seq
	return added, nil
}

// Select returns the rule that handles req, or nil when none matches.
func (s *Set) Select(req *Request) *Rule {
	return Select(s.load(), req)
}

// NeedsBody reports whether any registered rule inspects the request body.
func (s *Set) NeedsBody() bool {
	for _, r := range s.load() {
		if r.needsBody() {
			return true
		}
	}
	return false
}

// Rules returns the registered rules in registration order.
func (s *Set) Rules() []*Rule {
	return slices.Clone(s.load())
}

// Get returns the rule with the given ID.
func (s *Set) Get(id string) (*Rule, bool) {
	for _, r := range s.load() {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}

// Remove unregisters the rule with the given ID.
func (s *Set) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.load()
	idx := slices.IndexFunc(current, func(r *Rule) bool { return r.ID == id })
	if idx < 0 {
		return false
	}
	next := slices.Delete(slices.Clone(current), idx, idx+1)
	s.snapshot.Store(&next)
	return true
}

// Clear removes every rule.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	empty := []*Rule{}
	s.snapshot.Store(&empty)
}

// Len returns the number of registered rules.
func (s *Set) Len() int {
	return len(s.load())
}
