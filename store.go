package mbest

import (
	"maps"
	"slices"
	"sync"
)

// Change describes what one Store mutation touched.
type Change struct {
	Threads  bool
	Messages []string
}

func (c Change) empty() bool { return !c.Threads && len(c.Messages) == 0 }

type threadState struct {
	summary  ThreadSummary
	messages []Message
	loaded   bool

	// uncounted holds remote messages that arrived while the thread was open
	// and so never entered UnreadCount.
	uncounted map[int64]bool
}

func (t *threadState) clone() *threadState {
	return &threadState{
		summary:  t.summary.clone(),
		messages: append([]Message(nil), t.messages...),
		loaded:   t.loaded,

		uncounted: maps.Clone(t.uncounted),
	}
}

// snapshot is immutable once published.
type snapshot struct {
	threads  map[string]*threadState
	order    []string
	selected string
}

// Store is the canonical thread map. Every mutation builds a new snapshot and
// replaces the old one whole, so readers never observe a partial update.
type Store struct {
	mu       sync.Mutex
	snap     *snapshot
	observer func(Change)
}

func NewStore() *Store {
	return &Store{snap: &snapshot{threads: make(map[string]*threadState)}}
}

// Observe sets the function called after every mutation that changed state.
func (s *Store) Observe(fn func(Change)) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

func (s *Store) view() *snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// mutate runs fn against a copy of the current snapshot and publishes it.
func (s *Store) mutate(fn func(tx *tx)) Change {
	s.mu.Lock()
	t := &tx{
		next: &snapshot{
			threads:  make(map[string]*threadState, len(s.snap.threads)),
			order:    append([]string(nil), s.snap.order...),
			selected: s.snap.selected,
		},
		edited: make(map[string]bool),
	}
	for id, st := range s.snap.threads {
		t.next.threads[id] = st
	}
	fn(t)
	for id := range t.tails {
		if st, ok := t.next.threads[id]; ok && len(st.messages) > 0 {
			st.summary.LastMessage = st.messages[len(st.messages)-1].Summary()
		}
	}
	change := t.change
	if !change.empty() {
		s.snap = t.next
	}
	observer := s.observer
	s.mu.Unlock()

	if observer != nil && !change.empty() {
		observer(change)
	}
	return change
}

// Messages returns the ordered message list of threadID.
func (s *Store) Messages(threadID string) []Message {
	st, ok := s.view().threads[threadID]
	if !ok {
		return nil
	}
	out := make([]Message, len(st.messages))
	for i, m := range st.messages {
		out[i] = m.clone()
	}
	return out
}

// Summary returns the summary of threadID.
func (s *Store) Summary(threadID string) (ThreadSummary, bool) {
	st, ok := s.view().threads[threadID]
	if !ok {
		return ThreadSummary{}, false
	}
	return st.summary.clone(), true
}

// Threads returns every summary, most recently active first.
func (s *Store) Threads() []ThreadSummary {
	snap := s.view()
	out := make([]ThreadSummary, 0, len(snap.order))
	for _, id := range snap.order {
		if st, ok := snap.threads[id]; ok {
			out = append(out, st.summary.clone())
		}
	}
	return out
}

// Selected returns the currently open thread, or "".
func (s *Store) Selected() string { return s.view().selected }

// Select marks threadID as the open thread.
func (s *Store) Select(threadID string) {
	s.mutate(func(t *tx) {
		if t.next.selected != threadID {
			t.next.selected = threadID
			t.change.Threads = true
		}
	})
}

// Loaded reports whether the message list of threadID has been fetched.
func (s *Store) Loaded(threadID string) bool {
	st, ok := s.view().threads[threadID]
	return ok && st.loaded
}

// FindThreadWith returns a confirmed thread whose participant is userID.
func (s *Store) FindThreadWith(userID UserID) (string, bool) {
	snap := s.view()
	for _, id := range snap.order {
		st := snap.threads[id]
		if st != nil && st.summary.Participant.ID == userID && !IsProvisionalThread(id) {
			return id, true
		}
	}
	return "", false
}

// ClearMessages empties the confirmed messages of threadID, keeping any
// optimistic entries still in flight.
func (s *Store) ClearMessages(threadID string) {
	s.mutate(func(t *tx) {
		st, ok := t.thread(threadID)
		if !ok || len(st.messages) == 0 {
			return
		}
		st = t.edit(threadID)
		st.messages = slices.DeleteFunc(st.messages, func(m Message) bool { return !m.IsOptimistic() })
		st.loaded = false
		t.touched(threadID)
	})
}

// ClearThreads empties the thread list after a failed fetch. Provisional threads
// and threads with sends in flight survive with only their optimistic entries.
func (s *Store) ClearThreads() {
	s.mutate(func(t *tx) {
		for _, id := range slices.Clone(t.next.order) {
			st := t.next.threads[id]
			if IsProvisionalThread(id) {
				continue
			}
			if st != nil && slices.ContainsFunc(st.messages, Message.IsOptimistic) {
				if slices.ContainsFunc(st.messages, func(m Message) bool { return !m.IsOptimistic() }) {
					st = t.edit(id)
					st.messages = slices.DeleteFunc(st.messages, func(m Message) bool { return !m.IsOptimistic() })
					st.loaded = false
					t.touched(id)
				}
				continue
			}
			t.drop(id)
		}
	})
}

// tx is one in-progress mutation.
type tx struct {
	next   *snapshot
	edited map[string]bool
	tails  map[string]bool
	change Change
}

func (t *tx) thread(id string) (*threadState, bool) {
	st, ok := t.next.threads[id]
	return st, ok
}

// edit returns a writable copy of thread id, creating it when missing.
func (t *tx) edit(id string) *threadState {
	st, ok := t.next.threads[id]
	switch {
	case !ok:
		st = &threadState{summary: ThreadSummary{ThreadID: id}}
		t.next.threads[id] = st
		t.next.order = append([]string{id}, t.next.order...)
		t.change.Threads = true
	case !t.edited[id]:
		st = st.clone()
		t.next.threads[id] = st
	}
	t.edited[id] = true
	return st
}

// touched records that the message list of id changed.
func (t *tx) touched(id string) {
	if t.tails == nil {
		t.tails = make(map[string]bool)
	}
	t.tails[id] = true
	if !slices.Contains(t.change.Messages, id) {
		t.change.Messages = append(t.change.Messages, id)
	}
	t.change.Threads = true
}

func (t *tx) drop(id string) {
	if _, ok := t.next.threads[id]; !ok {
		return
	}
	delete(t.next.threads, id)
	t.next.order = slices.DeleteFunc(t.next.order, func(s string) bool { return s == id })
	if t.next.selected == id {
		t.next.selected = ""
	}
	t.change.Threads = true
}

func (t *tx) moveToFront(id string) {
	if len(t.next.order) > 0 && t.next.order[0] == id {
		return
	}
	t.next.order = slices.DeleteFunc(t.next.order, func(s string) bool { return s == id })
	t.next.order = append([]string{id}, t.next.order...)
	t.change.Threads = true
}
