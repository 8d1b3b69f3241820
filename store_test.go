package mbest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreReadsAreCopies(t *testing.T) {
	e := newTestEngine(t)
	e.recon.Push(&PushEvent{Message: durableMsg(1, "10", alice, me, "original", minute(1))})

	msgs := e.store.Messages("10")
	msgs[0].Body = "mutated"
	threads := e.store.Threads()
	threads[0].LastMessage.Body = "mutated"

	require.Equal(t, "original", e.store.Messages("10")[0].Body)
	require.Equal(t, "original", e.store.Threads()[0].LastMessage.Body)
}

func TestStoreObserverSeesChange(t *testing.T) {
	e := newTestEngine(t)
	var got []Change
	e.store.Observe(func(c Change) { got = append(got, c) })

	e.recon.Push(&PushEvent{Message: durableMsg(1, "10", alice, me, "hi", minute(1))})
	require.Len(t, got, 1)
	require.True(t, got[0].Threads)
	require.Equal(t, []string{"10"}, got[0].Messages)

	e.store.Select("10")
	e.store.Select("10")
	require.Len(t, got, 2, "selecting the open thread again changes nothing")
}

func TestStoreFindThreadWith(t *testing.T) {
	e := newTestEngine(t)
	e.seed(thread("10", alice, nil, 0))
	e.send(e.factory.ProvisionalThreadID(), bob, "hi")

	id, ok := e.store.FindThreadWith(alice)
	require.True(t, ok)
	require.Equal(t, "10", id)

	_, ok = e.store.FindThreadWith(bob)
	require.False(t, ok, "provisional threads are not reused")
}

func TestStoreClearMessages(t *testing.T) {
	e := newTestEngine(t)
	e.seed(thread("10", alice, nil, 0))
	e.recon.Merge("10", []Message{durableMsg(1, "10", alice, me, "a", minute(-5))})
	pending := e.send("10", alice, "in flight")

	e.store.ClearMessages("10")
	require.Equal(t, []string{pending.ID.String()}, ids(e.store.Messages("10")))
	require.False(t, e.store.Loaded("10"))
}

func TestStoreClearThreads(t *testing.T) {
	e := newTestEngine(t)
	e.seed(thread("10", alice, nil, 0), thread("11", bob, nil, 0))
	e.recon.Merge("10", []Message{durableMsg(1, "10", alice, me, "a", minute(-5))})
	pending := e.send("10", alice, "in flight")
	key := e.factory.ProvisionalThreadID()
	e.send(key, 4, "new")

	e.store.ClearThreads()

	require.ElementsMatch(t, []string{"10", key}, threadIDs(e.store.Threads()))
	require.Equal(t, []string{pending.ID.String()}, ids(e.store.Messages("10")))
	_, ok := e.store.Summary("11")
	require.False(t, ok)
}

func TestStoreDropClearsSelection(t *testing.T) {
	e := newTestEngine(t)
	e.seed(thread("10", alice, nil, 0), thread("11", bob, nil, 0))
	e.store.Select("11")

	e.orderer.Replace([]ThreadSummary{thread("10", alice, nil, 0)})
	require.Empty(t, e.store.Selected())
}
