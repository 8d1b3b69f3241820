package mbest

import (
	"slices"
	"time"
)

// Orderer maintains the sidebar order, most recently active thread first.
type Orderer struct {
	store *Store
}

func NewOrderer(store *Store) *Orderer {
	return &Orderer{store: store}
}

// Threads returns the ordered thread list.
func (o *Orderer) Threads() []ThreadSummary { return o.store.Threads() }

// Replace installs an authoritative thread list. It returns false, leaving the
// store untouched, when threads is observably identical to the current state.
// Provisional threads survive the replace.
func (o *Orderer) Replace(threads []ThreadSummary) bool {
	if o.identical(threads) {
		return false
	}
	sorted := slices.Clone(threads)
	slices.SortStableFunc(sorted, func(a, b ThreadSummary) int {
		return lastActivity(b).Compare(lastActivity(a))
	})
	change := o.store.mutate(func(t *tx) {
		keep := make(map[string]bool, len(sorted))
		var provisional []string
		for _, id := range t.next.order {
			if IsProvisionalThread(id) {
				provisional = append(provisional, id)
				keep[id] = true
			}
		}
		order := append([]string(nil), provisional...)
		for _, s := range sorted {
			if s.ThreadID == "" || keep[s.ThreadID] {
				continue
			}
			keep[s.ThreadID] = true
			st := t.edit(s.ThreadID)
			summary := s.clone()
			if n := len(st.messages); n > 0 {
				tail := st.messages[n-1]
				if summary.LastMessage == nil || !tail.CreatedAt.Before(summary.LastMessage.CreatedAt) {
					summary.LastMessage = tail.Summary()
				}
			}
			if summary.UnreadCount < 0 {
				summary.UnreadCount = 0
			}
			st.summary = summary
			st.uncounted = nil
			order = append(order, s.ThreadID)
		}
		for id := range t.next.threads {
			if !keep[id] {
				t.drop(id)
			}
		}
		t.next.order = order
		t.change.Threads = true
	})
	return !change.empty()
}

func (o *Orderer) identical(threads []ThreadSummary) bool {
	current := o.store.Threads()
	if len(current) != len(threads) {
		return false
	}
	if len(current) == 0 {
		return true
	}
	a, b := current[0], threads[0]
	if a.ThreadID != b.ThreadID || a.UnreadCount != b.UnreadCount {
		return false
	}
	if (a.LastMessage == nil) != (b.LastMessage == nil) {
		return false
	}
	return a.LastMessage == nil || a.LastMessage.ID == b.LastMessage.ID
}

// remoteActivity records a message from the other participant arriving in
// thread id: the summary follows it, unread grows unless the thread is open, and
// the thread moves to the front.
func (o *Orderer) remoteActivity(t *tx, id string, msg Message) {
	st := t.edit(id)
	if st.summary.Participant.ID == 0 {
		st.summary.Participant.ID = msg.SenderID
	}
	if t.next.selected != id {
		st.summary.UnreadCount++
	} else if d, ok := msg.ID.Durable(); ok && !msg.IsRead {
		if st.uncounted == nil {
			st.uncounted = make(map[int64]bool)
		}
		st.uncounted[d] = true
	}
	t.moveToFront(id)
	t.change.Threads = true
}

// selfActivity moves thread id to the front after a local send.
func (o *Orderer) selfActivity(t *tx, id string) {
	t.moveToFront(id)
}

func lastActivity(s ThreadSummary) time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.CreatedAt
	}
	return time.Time{}
}
