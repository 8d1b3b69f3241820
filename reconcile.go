package mbest

import (
	"log/slog"
	"slices"
)

// Outcome is what a reconciliation step did to the thread store.
type Outcome int

const (
	Dropped Outcome = iota
	Inserted
	Replaced
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Replaced:
		return "replaced"
	case Duplicate:
		return "duplicate"
	}
	return "dropped"
}

// Reconciler merges optimistic entries, REST confirmations and push deliveries
// into the Store. Every method is one atomic store mutation and is idempotent:
// applying the same confirmed message twice leaves the same list as once.
type Reconciler struct {
	store   *Store
	orderer *Orderer
	self    func() UserID
	metrics *Metrics
	log     *slog.Logger
}

func NewReconciler(store *Store, orderer *Orderer, self func() UserID, metrics *Metrics, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, orderer: orderer, self: self, metrics: metrics, log: log}
}

// Insert adds an optimistic message. participant seeds the summary of a thread
// that does not exist yet.
func (r *Reconciler) Insert(msg Message, participant Participant) {
	r.store.mutate(func(t *tx) {
		st := t.edit(msg.ThreadID)
		if st.summary.Participant.ID == 0 {
			st.summary.Participant = participant
		}
		st.messages = insertChrono(st.messages, msg.clone())
		t.touched(msg.ThreadID)
		r.orderer.selfActivity(t, msg.ThreadID)
	})
}

// Confirm applies the REST response for the optimistic message tempID that was
// inserted under threadKey. When threadKey is provisional and the server
// assigned a thread, the provisional thread is adopted under the server key.
func (r *Reconciler) Confirm(threadKey string, tempID MessageID, confirmed Message) Outcome {
	c := confirmed.clone()
	c.Optimistic = nil
	if _, ok := c.ID.Durable(); !ok {
		r.log.Warn("confirmation without durable id dropped", "thread_id", threadKey, "temp_id", tempID.String())
		r.metrics.reconciled("rest", Dropped)
		return Dropped
	}
	if c.ThreadID == "" {
		c.ThreadID = threadKey
	}
	target := c.ThreadID

	var out Outcome
	var released []Message
	r.store.mutate(func(t *tx) {
		if threadKey != target && IsProvisionalThread(threadKey) {
			r.adopt(t, threadKey, target)
		}
		if tmp, ok := tempID.Temp(); ok {
			if at, _ := locateTemp(t, tmp); at != "" && at != target && IsProvisionalThread(at) {
				r.adopt(t, at, target)
			}
		}
		out, released = r.upsertSelf(t, target, tempID, c, false)
		r.orderer.selfActivity(t, target)
	})
	for _, m := range released {
		Release(m)
	}
	r.metrics.reconciled("rest", out)
	r.log.Debug("send confirmed", "thread_id", target, "message_id", c.ID.String(), "outcome", out.String())
	return out
}

// Push applies a message delivered over a thread channel.
func (r *Reconciler) Push(ev *PushEvent) Outcome {
	m := ev.Message.clone()
	m.Optimistic = nil
	target := m.ThreadID
	self := r.self()

	var out Outcome
	var released []Message
	r.store.mutate(func(t *tx) {
		if self != 0 && m.SenderID == self {
			var tempID MessageID
			if ev.TempID != "" {
				tempID = PendingID(ev.TempID)
				if at, _ := locateTemp(t, ev.TempID); at != "" && at != target && IsProvisionalThread(at) {
					r.adopt(t, at, target)
				}
			} else if !r.hasMatch(t, target, m) {
				if p := provisionalEcho(t, m); p != "" {
					r.adopt(t, p, target)
				}
			}
			out, released = r.upsertSelf(t, target, tempID, m, true)
			r.orderer.selfActivity(t, target)
			return
		}

		if st, ok := t.thread(target); ok && indexDurable(st.messages, m.ID) >= 0 {
			out = Duplicate
			return
		}
		st := t.edit(target)
		st.messages = insertChrono(st.messages, m)
		t.touched(target)
		r.orderer.remoteActivity(t, target, m)
		out = Inserted
	})
	for _, msg := range released {
		Release(msg)
	}
	r.metrics.reconciled("push", out)
	r.log.Debug("push reconciled", "thread_id", target, "message_id", m.ID.String(), "outcome", out.String())
	return out
}

// Rollback removes the optimistic message tempID after its send failed. It is
// the only path that deletes a message client-side.
func (r *Reconciler) Rollback(threadKey string, tempID MessageID) (Message, bool) {
	tmp, ok := tempID.Temp()
	if !ok {
		return Message{}, false
	}
	var removed Message
	var found bool
	r.store.mutate(func(t *tx) {
		at := threadKey
		idx := -1
		if st, ok := t.thread(at); ok {
			idx = indexTemp(st.messages, tmp)
		}
		if idx < 0 {
			at, idx = locateTemp(t, tmp)
		}
		if idx < 0 {
			return
		}
		st := t.edit(at)
		removed = st.messages[idx]
		found = true
		st.messages = slices.Delete(st.messages, idx, idx+1)
		if len(st.messages) == 0 && IsProvisionalThread(at) {
			t.drop(at)
			return
		}
		t.touched(at)
	})
	if found {
		r.metrics.rollback()
	}
	return removed, found
}

// Merge folds an authoritative message list into threadID. Optimistic entries
// survive unless the list already carries their confirmed echo.
func (r *Reconciler) Merge(threadID string, authoritative []Message) {
	self := r.self()
	var released []Message
	var unchanged bool
	r.store.mutate(func(t *tx) {
		var local []Message
		if st, ok := t.thread(threadID); ok {
			local = st.messages
		}
		known := make(map[int64]Message, len(local))
		for _, m := range local {
			if d, ok := m.ID.Durable(); ok {
				known[d] = m
			}
		}

		result := make([]Message, 0, len(authoritative)+len(local))
		for _, a := range authoritative {
			c := a.clone()
			c.Optimistic = nil
			if c.ThreadID == "" {
				c.ThreadID = threadID
			}
			if d, ok := c.ID.Durable(); ok {
				if prev, seen := known[d]; seen && prev.IsRead && !c.IsRead {
					c.IsRead, c.ReadAt = true, prev.ReadAt
				}
			} else {
				continue
			}
			result = append(result, c)
		}
		result, _ = dedupe(result)
		sortChrono(result)

		claimed := make(map[int]bool)
		for _, p := range local {
			if !p.IsOptimistic() {
				continue
			}
			matched := false
			for i, c := range result {
				d, _ := c.ID.Durable()
				if _, wasKnown := known[d]; wasKnown || claimed[i] || c.SenderID != self {
					continue
				}
				if c.RecipientID == p.RecipientID && c.Body == p.Body {
					claimed[i] = true
					matched = true
					break
				}
			}
			if matched {
				released = append(released, p)
				continue
			}
			result = insertChrono(result, p)
		}

		st := t.edit(threadID)
		wasLoaded := st.loaded
		st.loaded = true
		if slices.EqualFunc(st.messages, result, sameMessage) {
			unchanged = true
			if !wasLoaded {
				t.change.Messages = append(t.change.Messages, threadID)
			}
			return
		}
		st.messages = result
		t.touched(threadID)
	})
	for _, m := range released {
		Release(m)
	}
	if unchanged {
		r.metrics.reconciled("fetch", Duplicate)
		return
	}
	r.metrics.reconciled("fetch", Replaced)
}

// upsertSelf overwrites the entry carrying tempID, or the durable id of c, or
// (when echo is set) the pending entry with the same recipient and body. With
// no match c is inserted at its chronological position.
func (r *Reconciler) upsertSelf(t *tx, target string, tempID MessageID, c Message, echo bool) (Outcome, []Message) {
	idx := -1
	if st, ok := t.thread(target); ok {
		if tmp, ok := tempID.Temp(); ok {
			idx = indexTemp(st.messages, tmp)
		}
		if idx < 0 {
			idx = indexDurable(st.messages, c.ID)
		}
		if idx < 0 && echo {
			idx = indexEcho(st.messages, c)
		}
	}

	st := t.edit(target)
	var released []Message
	out := Inserted
	if idx >= 0 {
		old := st.messages[idx]
		if old.IsRead && !c.IsRead {
			c.IsRead, c.ReadAt = true, old.ReadAt
		}
		if !old.IsOptimistic() {
			out = Duplicate
			if sameMessage(old, c) {
				return out, nil
			}
		} else {
			out = Replaced
			released = append(released, old)
		}
		st.messages[idx] = c
	} else {
		st.messages = insertChrono(st.messages, c)
	}
	var dups []Message
	st.messages, dups = dedupe(st.messages)
	released = append(released, dups...)
	sortChrono(st.messages)
	t.touched(target)
	return out, released
}

func (r *Reconciler) hasMatch(t *tx, target string, m Message) bool {
	st, ok := t.thread(target)
	if !ok {
		return false
	}
	return indexDurable(st.messages, m.ID) >= 0 || indexEcho(st.messages, m) >= 0
}

// adopt moves every message of the provisional thread from to the server
// thread to, keeping its sidebar position and selection.
func (r *Reconciler) adopt(t *tx, from, to string) {
	src, ok := t.thread(from)
	if !ok || from == to {
		return
	}
	pos := slices.Index(t.next.order, from)
	wasSelected := t.next.selected == from

	dst := t.edit(to)
	for _, m := range src.messages {
		m.ThreadID = to
		dst.messages = insertChrono(dst.messages, m)
	}
	if dst.summary.Participant.ID == 0 {
		dst.summary.Participant = src.summary.Participant
	}
	t.drop(from)
	t.next.order = slices.DeleteFunc(t.next.order, func(s string) bool { return s == to })
	if pos < 0 || pos > len(t.next.order) {
		pos = 0
	}
	t.next.order = slices.Insert(t.next.order, pos, to)
	if wasSelected {
		t.next.selected = to
	}
	t.touched(to)
	r.log.Debug("provisional thread adopted", "from", from, "thread_id", to)
}

// ============================================================================
// List helpers
// ============================================================================

func insertChrono(msgs []Message, m Message) []Message {
	i := len(msgs)
	for i > 0 && msgs[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	return slices.Insert(msgs, i, m)
}

func sortChrono(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int { return a.CreatedAt.Compare(b.CreatedAt) })
}

// dedupe keeps one entry per identity, confirmed data winning over optimistic.
// It returns the optimistic entries it discarded.
func dedupe(msgs []Message) ([]Message, []Message) {
	out := make([]Message, 0, len(msgs))
	var dropped []Message
	durable := make(map[int64]int)
	temps := make(map[string]bool)
	for _, m := range msgs {
		if d, ok := m.ID.Durable(); ok {
			if j, seen := durable[d]; seen {
				switch {
				case out[j].IsOptimistic() && !m.IsOptimistic():
					dropped = append(dropped, out[j])
					out[j] = m
				case m.IsOptimistic():
					dropped = append(dropped, m)
				}
				continue
			}
			durable[d] = len(out)
		} else if tmp, ok := m.ID.Temp(); ok {
			if temps[tmp] {
				continue
			}
			temps[tmp] = true
		}
		out = append(out, m)
	}
	return out, dropped
}

func indexTemp(msgs []Message, tmp string) int {
	return slices.IndexFunc(msgs, func(m Message) bool {
		t, ok := m.ID.Temp()
		return ok && t == tmp
	})
}

func indexDurable(msgs []Message, id MessageID) int {
	d, ok := id.Durable()
	if !ok {
		return -1
	}
	return slices.IndexFunc(msgs, func(m Message) bool {
		md, ok := m.ID.Durable()
		return ok && md == d
	})
}

// indexEcho finds the pending entry a self-originated echo without temp id
// most likely confirms.
func indexEcho(msgs []Message, c Message) int {
	return slices.IndexFunc(msgs, func(m Message) bool {
		return m.IsOptimistic() && m.RecipientID == c.RecipientID && m.Body == c.Body
	})
}

func locateTemp(t *tx, tmp string) (string, int) {
	for id, st := range t.next.threads {
		if i := indexTemp(st.messages, tmp); i >= 0 {
			return id, i
		}
	}
	return "", -1
}

func provisionalEcho(t *tx, m Message) string {
	for id, st := range t.next.threads {
		if IsProvisionalThread(id) && st.summary.Participant.ID == m.RecipientID && indexEcho(st.messages, m) >= 0 {
			return id
		}
	}
	return ""
}

func sameMessage(a, b Message) bool {
	if a.ID != b.ID || a.ThreadID != b.ThreadID || a.SenderID != b.SenderID ||
		a.RecipientID != b.RecipientID || a.Body != b.Body || !a.CreatedAt.Equal(b.CreatedAt) ||
		a.IsRead != b.IsRead || a.IsOptimistic() != b.IsOptimistic() || a.IsSending() != b.IsSending() {
		return false
	}
	if (a.ReadAt == nil) != (b.ReadAt == nil) || (a.ReadAt != nil && !a.ReadAt.Equal(*b.ReadAt)) {
		return false
	}
	return slices.EqualFunc(a.Attachments, b.Attachments, func(x, y Attachment) bool {
		return x.Name == y.Name && x.Path == y.Path && x.Size == y.Size && x.MimeType == y.MimeType && x.Local == y.Local
	})
}
