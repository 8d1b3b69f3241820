package mbest

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestConfirmReplacesOptimistic(t *testing.T) {
	e := newTestEngine(t)
	e.seed(thread("10", alice, nil, 0))

	msg := e.send("10", alice, "hello", LocalFile{Name: "notes.txt", Data: []byte("hi")})
	require.Equal(t, 1, e.blobs.Live())

	pending := e.store.Messages("10")
	require.Len(t, pending, 1)
	require.True(t, pending[0].IsSending())
	require.NotNil(t, pending[0].Attachments[0].Local)

	c := durableMsg(100, "10", me, alice, "hello", minute(1))
	c.Attachments = []Attachment{{Name: "notes.txt", Path: "/files/notes.txt", Size: 2}}
	require.Equal(t, Replaced, e.recon.Confirm("10", msg.ID, c))

	msgs := e.store.Messages("10")
	require.Equal(t, []string{"100"}, ids(msgs))
	require.False(t, msgs[0].IsOptimistic())
	require.Equal(t, "/files/notes.txt", msgs[0].Attachments[0].Path)
	require.Zero(t, e.blobs.Live(), "optimistic blobs are released on confirmation")

	s, ok := e.store.Summary("10")
	require.True(t, ok)
	require.Equal(t, ConfirmedID(100), s.LastMessage.ID)
}

func TestConfirmWithoutDurableIDIsDropped(t *testing.T) {
	e := newTestEngine(t)
	e.seed(thread("10", alice, nil, 0))
	msg := e.send("10", alice, "hello")

	out := e.recon.Confirm("10", msg.ID, Message{ThreadID: "10", Body: "hello"})
	require.Equal(t, Dropped, out)

	msgs := e.store.Messages("10")
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].IsOptimistic())
}

func TestConfirmAndPushRace(t *testing.T) {
	t.Run("rest first", func(t *testing.T) {
		e := newTestEngine(t)
		e.seed(thread("10", alice, nil, 0))
		msg := e.send("10", alice, "hello")
		tmp, _ := msg.ID.Temp()
		c := durableMsg(100, "10", me, alice, "hello", minute(1))

		require.Equal(t, Replaced, e.recon.Confirm("10", msg.ID, c))
		require.Equal(t, Duplicate, e.recon.Push(&PushEvent{Message: c, TempID: tmp}))
		require.Equal(t, []string{"100"}, ids(e.store.Messages("10")))
	})

	t.Run("push first", func(t *testing.T) {
		e := newTestEngine(t)
		e.seed(thread("10", alice, nil, 0))
		msg := e.send("10", alice, "hello")
		tmp, _ := msg.ID.Temp()
		c := durableMsg(100, "10", me, alice, "hello", minute(1))

		require.Equal(t, Replaced, e.recon.Push(&PushEvent{Message: c, TempID: tmp}))
		require.Equal(t, Duplicate, e.recon.Confirm("10", msg.ID, c))
		require.Equal(t, []string{"100"}, ids(e.store.Messages("10")))
	})

	t.Run("echo without temp id", func(t *testing.T) {
		e := newTestEngine(t)
		e.seed(thread("10", alice, nil, 0))
		msg := e.send("10", alice, "hello", LocalFile{Name: "a.png", Data: []byte{1}})
		c := durableMsg(100, "10", me, alice, "hello", minute(1))

		require.Equal(t, Replaced, e.recon.Push(&PushEvent{Message: c}))
		require.Zero(t, e.blobs.Live())
		require.Equal(t, Duplicate, e.recon.Confirm("10", msg.ID, c))
		require.Equal(t, []string{"100"}, ids(e.store.Messages("10")))
	})
}

func TestConfirmIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	e.seed(thread("10", alice, nil, 0))
	msg := e.send("10", alice, "hello")
	c := durableMsg(100, "10", me, alice, "hello", minute(1))

	var changes int
	e.store.Observe(func(Change) { changes++ })

	e.recon.Confirm("10", msg.ID, c)
	once := e.store.Messages("10")
	seen := changes

	require.Equal(t, Duplicate, e.recon.Confirm("10", msg.ID, c))
	require.Equal(t, once, e.store.Messages("10"))
	require.Equal(t, seen, changes, "reapplying a confirmation publishes nothing")
}

func TestPushFromOtherParticipant(t *testing.T) {
	e := newTestEngine(t)
	older := durableMsg(1, "11", bob, me, "earlier", minute(-30))
	e.seed(thread("11", bob, &older, 0), thread("10", alice, nil, 0))
	require.Equal(t, []string{"11", "10"}, threadIDs(e.store.Threads()))

	m := durableMsg(200, "10", alice, me, "ping", minute(5))
	require.Equal(t, Inserted, e.recon.Push(&PushEvent{Message: m}))

	require.Equal(t, []string{"10", "11"}, threadIDs(e.store.Threads()))
	s, _ := e.store.Summary("10")
	require.Equal(t, 1, s.UnreadCount)
	require.Equal(t, ConfirmedID(200), s.LastMessage.ID)

	require.Equal(t, Duplicate, e.recon.Push(&PushEvent{Message: m}))
	s, _ = e.store.Summary("10")
	require.Equal(t, 1, s.UnreadCount, "a duplicate does not count twice")
	require.Len(t, e.store.Messages("10"), 1)

	e.store.Select("10")
	e.recon.Push(&PushEvent{Message: durableMsg(201, "10", alice, me, "again", minute(6))})
	s, _ = e.store.Summary("10")
	require.Equal(t, 1, s.UnreadCount, "the open thread does not accumulate unread")
}

func TestPushKeepsChronologicalOrder(t *testing.T) {
	e := newTestEngine(t)
	e.seed(thread("10", alice, nil, 0))

	e.recon.Push(&PushEvent{Message: durableMsg(3, "10", alice, me, "third", minute(3))})
	e.recon.Push(&PushEvent{Message: durableMsg(1, "10", alice, me, "first", minute(1))})
	e.recon.Push(&PushEvent{Message: durableMsg(2, "10", alice, me, "second", minute(2))})

	require.Equal(t, []string{"1", "2", "3"}, ids(e.store.Messages("10")))
	s, _ := e.store.Summary("10")
	require.Equal(t, ConfirmedID(3), s.LastMessage.ID, "summary follows the chronological tail")
}

func TestPushCreatesUnknownThread(t *testing.T) {
	e := newTestEngine(t)
	e.recon.Push(&PushEvent{Message: durableMsg(5, "44", bob, me, "hi", minute(1))})

	s, ok := e.store.Summary("44")
	require.True(t, ok)
	require.Equal(t, bob, s.Participant.ID)
	require.Equal(t, []string{"44"}, threadIDs(e.store.Threads()))
}

func TestRollback(t *testing.T) {
	t.Run("removes entry", func(t *testing.T) {
		e := newTestEngine(t)
		e.seed(thread("10", alice, nil, 0))
		msg := e.send("10", alice, "oops")

		removed, ok := e.recon.Rollback("10", msg.ID)
		require.True(t, ok)
		require.Equal(t, msg.ID, removed.ID)
		require.Empty(t, e.store.Messages("10"))

		_, ok = e.recon.Rollback("10", msg.ID)
		require.False(t, ok)
	})

	t.Run("confirmed ids are never rolled back", func(t *testing.T) {
		e := newTestEngine(t)
		e.recon.Push(&PushEvent{Message: durableMsg(5, "10", alice, me, "hi", minute(1))})
		_, ok := e.recon.Rollback("10", ConfirmedID(5))
		require.False(t, ok)
		require.Len(t, e.store.Messages("10"), 1)
	})

	t.Run("finds entry under another key", func(t *testing.T) {
		e := newTestEngine(t)
		e.seed(thread("10", alice, nil, 0))
		msg := e.send("10", alice, "oops")
		_, ok := e.recon.Rollback("elsewhere", msg.ID)
		require.True(t, ok)
		require.Empty(t, e.store.Messages("10"))
	})

	t.Run("drops empty provisional thread", func(t *testing.T) {
		e := newTestEngine(t)
		key := e.factory.ProvisionalThreadID()
		msg := e.send(key, bob, "hi")
		require.Equal(t, []string{key}, threadIDs(e.store.Threads()))

		_, ok := e.recon.Rollback(key, msg.ID)
		require.True(t, ok)
		_, exists := e.store.Summary(key)
		require.False(t, exists)
		require.Empty(t, e.store.Threads())
	})
}

func TestProvisionalThreadAdoption(t *testing.T) {
	t.Run("by confirmation", func(t *testing.T) {
		e := newTestEngine(t)
		e.seed(thread("10", alice, nil, 0))
		key := e.factory.ProvisionalThreadID()
		msg := e.send(key, bob, "hi")
		e.store.Select(key)

		c := durableMsg(300, "77", me, bob, "hi", minute(1))
		require.Equal(t, Replaced, e.recon.Confirm(key, msg.ID, c))

		_, exists := e.store.Summary(key)
		require.False(t, exists)
		s, ok := e.store.Summary("77")
		require.True(t, ok)
		require.Equal(t, bob, s.Participant.ID)
		require.Equal(t, "77", e.store.Selected())
		require.Equal(t, []string{"77", "10"}, threadIDs(e.store.Threads()))
		require.Equal(t, []string{"300"}, ids(e.store.Messages("77")))
	})

	t.Run("by echo before confirmation", func(t *testing.T) {
		e := newTestEngine(t)
		key := e.factory.ProvisionalThreadID()
		msg := e.send(key, bob, "hi")
		c := durableMsg(300, "77", me, bob, "hi", minute(1))

		require.Equal(t, Replaced, e.recon.Push(&PushEvent{Message: c}))
		_, exists := e.store.Summary(key)
		require.False(t, exists)

		require.Equal(t, Duplicate, e.recon.Confirm(key, msg.ID, c))
		require.Equal(t, []string{"77"}, threadIDs(e.store.Threads()))
		require.Equal(t, []string{"300"}, ids(e.store.Messages("77")))
	})

	t.Run("by temp id before confirmation", func(t *testing.T) {
		e := newTestEngine(t)
		key := e.factory.ProvisionalThreadID()
		msg := e.send(key, bob, "hi")
		tmp, _ := msg.ID.Temp()
		c := durableMsg(300, "77", me, bob, "hi", minute(1))

		require.Equal(t, Replaced, e.recon.Push(&PushEvent{Message: c, TempID: tmp}))
		require.Equal(t, []string{"77"}, threadIDs(e.store.Threads()))
	})

	t.Run("queued sends follow", func(t *testing.T) {
		e := newTestEngine(t)
		key := e.factory.ProvisionalThreadID()
		first := e.send(key, bob, "one")
		second := e.send(key, bob, "two")

		e.recon.Confirm(key, first.ID, durableMsg(300, "77", me, bob, "one", minute(0)))
		msgs := e.store.Messages("77")
		require.Len(t, msgs, 2)
		require.Equal(t, second.ID, msgs[1].ID)
		require.Equal(t, "77", msgs[1].ThreadID)

		e.recon.Confirm("77", second.ID, durableMsg(301, "77", me, bob, "two", minute(1)))
		require.Equal(t, []string{"300", "301"}, ids(e.store.Messages("77")))
	})
}

func TestMerge(t *testing.T) {
	t.Run("keeps optimistic entries", func(t *testing.T) {
		e := newTestEngine(t)
		e.seed(thread("10", alice, nil, 0))
		msg := e.send("10", alice, "pending")

		e.recon.Merge("10", []Message{
			durableMsg(1, "10", alice, me, "a", minute(-10)),
			durableMsg(2, "10", alice, me, "b", minute(-5)),
		})
		require.Equal(t, []string{"1", "2", msg.ID.String()}, ids(e.store.Messages("10")))
		require.True(t, e.store.Loaded("10"))
	})

	t.Run("drops pending entry once its echo is listed", func(t *testing.T) {
		e := newTestEngine(t)
		e.seed(thread("10", alice, nil, 0))
		e.send("10", alice, "pending", LocalFile{Name: "a.txt", Data: []byte("x")})

		e.recon.Merge("10", []Message{
			durableMsg(1, "10", alice, me, "a", minute(-10)),
			durableMsg(3, "10", me, alice, "pending", minute(0)),
		})
		require.Equal(t, []string{"1", "3"}, ids(e.store.Messages("10")))
		require.Zero(t, e.blobs.Live())
	})

	t.Run("local read state wins", func(t *testing.T) {
		e := newTestEngine(t)
		read := durableMsg(1, "10", alice, me, "a", minute(-10))
		read.IsRead = true
		e.recon.Merge("10", []Message{read})

		e.recon.Merge("10", []Message{durableMsg(1, "10", alice, me, "a", minute(-10))})
		require.True(t, e.store.Messages("10")[0].IsRead)
	})

	t.Run("collapses duplicate ids", func(t *testing.T) {
		e := newTestEngine(t)
		m := durableMsg(1, "10", alice, me, "a", minute(-10))
		e.recon.Merge("10", []Message{m, m})
		require.Len(t, e.store.Messages("10"), 1)
	})

	t.Run("identical list publishes nothing", func(t *testing.T) {
		e := newTestEngine(t)
		list := []Message{durableMsg(1, "10", alice, me, "a", minute(-10))}
		e.recon.Merge("10", list)

		var changes int
		e.store.Observe(func(Change) { changes++ })
		e.recon.Merge("10", list)
		require.Zero(t, changes)
	})

	t.Run("records whether the list changed", func(t *testing.T) {
		e := newTestEngine(t)
		reg := prometheus.NewRegistry()
		metrics := NewMetrics(reg)
		e.recon = NewReconciler(e.store, e.orderer, selfIs(me), metrics, quietLogger())
		list := []Message{durableMsg(1, "10", alice, me, "a", minute(-10))}

		e.recon.Merge("10", list)
		e.recon.Merge("10", list)
		require.Equal(t, 1.0, testutil.ToFloat64(metrics.Reconciled.WithLabelValues("fetch", Replaced.String())))
		require.Equal(t, 1.0, testutil.ToFloat64(metrics.Reconciled.WithLabelValues("fetch", Duplicate.String())))
	})
}

func TestOutcomeString(t *testing.T) {
	require.Equal(t, "dropped", Dropped.String())
	require.Equal(t, "inserted", Inserted.String())
	require.Equal(t, "replaced", Replaced.String())
	require.Equal(t, "duplicate", Duplicate.String())
}
