package mbest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestMessenger(t *testing.T, api *fakeAPI, push PushTransport, opts ...Option) *Messenger {
	t.Helper()
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithReadDebounce(10 * time.Millisecond),
		WithPollInterval(time.Hour),
	}, opts...)
	m := New(api, push, loggedIn(), opts...)
	t.Cleanup(func() { m.Close(context.Background()) })
	require.NoError(t, m.Start(context.Background()))
	return m
}

type noticeLog struct {
	mu  sync.Mutex
	got []Notice
}

func (n *noticeLog) record(_ string, payload any) {
	n.mu.Lock()
	n.got = append(n.got, payload.(Notice))
	n.mu.Unlock()
}

func (n *noticeLog) all() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.got...)
}

func TestMessengerSendLifecycle(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	recent := durableMsg(1, "20", bob, me, "hey", minute(-1))
	api.threads = []ThreadSummary{thread("20", bob, &recent, 0)}
	api.messages["20"] = []Message{recent}
	api.nextID = 500
	api.newThread = "t-9"
	m := newTestMessenger(t, api, newFakeTransport())

	// A: send to a new recipient.
	var during []Message
	api.sendHook = func(SendRequest) error {
		for _, s := range m.Threads() {
			if IsProvisionalThread(s.ThreadID) {
				during = m.Messages(s.ThreadID)
			}
		}
		return nil
	}
	sent, err := m.StartNewThread(ctx, alice, Draft{Body: "Hello"})
	require.NoError(t, err)
	require.Equal(t, ConfirmedID(501), sent.ID)
	require.Len(t, during, 1, "the optimistic entry is visible while the request is in flight")
	require.True(t, during[0].IsSending())

	msgs := m.Messages("t-9")
	require.Equal(t, []string{"501"}, ids(msgs))
	require.False(t, msgs[0].IsOptimistic())
	require.Equal(t, []string{"t-9", "20"}, threadIDs(m.Threads()))

	// B: the push echo of 501 after REST already reconciled it.
	m.HandlePush(pushPayload(t, msgs[0], ""))
	require.Len(t, m.Messages("t-9"), 1)

	// C: a reply while t-9 is not open.
	m.HandlePush(pushPayload(t, durableMsg(2, "20", bob, me, "ping", time.Now()), ""))
	require.Equal(t, []string{"20", "t-9"}, threadIDs(m.Threads()))
	m.HandlePush(pushPayload(t, durableMsg(502, "t-9", alice, me, "hi back", time.Now()), ""))
	require.Equal(t, []string{"t-9", "20"}, threadIDs(m.Threads()))
	s, _ := m.Store().Summary("t-9")
	require.Equal(t, 1, s.UnreadCount)
}

func TestMessengerSendFailureRestoresCompose(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.threads = []ThreadSummary{thread("20", bob, nil, 0)}
	api.messages["20"] = []Message{durableMsg(1, "20", bob, me, "hey", minute(-1))}
	m := newTestMessenger(t, api, newFakeTransport())
	var notices noticeLog
	m.On(EventNotice, notices.record)

	require.NoError(t, m.SelectThread(ctx, "20"))
	before := len(m.Messages("20"))

	api.sendErr = errors.New("network down")
	var composeDuring Compose
	api.sendHook = func(SendRequest) error {
		composeDuring = m.Compose()
		return nil
	}
	m.SetComposeBody("draft text")
	_, err := m.SubmitCompose(ctx)

	var serr *SendError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "draft text", serr.Draft.Body)
	require.Empty(t, composeDuring.Body, "compose clears as soon as the send starts")
	require.Len(t, m.Messages("20"), before)
	require.Equal(t, "draft text", m.Compose().Body)

	got := notices.all()
	require.Len(t, got, 1)
	require.Equal(t, NoticeError, got[0].Level)
}

func TestMessengerSendFailureKeepsNewerCompose(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.threads = []ThreadSummary{thread("20", bob, nil, 0)}
	m := newTestMessenger(t, api, newFakeTransport())

	api.sendHook = func(SendRequest) error {
		m.SetComposeBody("typed meanwhile")
		return errors.New("network down")
	}
	_, err := m.SendToThread(ctx, "20", Draft{Body: "first"})
	require.Error(t, err)
	require.Equal(t, "typed meanwhile", m.Compose().Body)
}

func TestMessengerQueuesSendsToNewRecipient(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	m := newTestMessenger(t, api, newFakeTransport())

	release := make(chan struct{})
	api.sendHook = func(req SendRequest) error {
		if req.ThreadID == "" {
			<-release
		}
		return nil
	}

	var wg sync.WaitGroup
	var firstErr, secondErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = m.StartNewThread(ctx, bob, Draft{Body: "one"})
	}()
	require.Eventually(t, func() bool { return len(api.sentRequests()) == 1 }, time.Second, time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, secondErr = m.StartNewThread(ctx, bob, Draft{Body: "two"})
	}()
	require.Eventually(t, func() bool {
		threads := m.Threads()
		return len(threads) == 1 && len(m.Messages(threads[0].ThreadID)) == 2
	}, time.Second, time.Millisecond)
	require.Len(t, api.sentRequests(), 1, "the second send waits for the thread")

	close(release)
	wg.Wait()
	require.NoError(t, firstErr)
	require.NoError(t, secondErr)

	reqs := api.sentRequests()
	require.Len(t, reqs, 2)
	require.Empty(t, reqs[0].ThreadID)
	require.Equal(t, "900", reqs[1].ThreadID)
	require.Equal(t, []string{"900"}, threadIDs(m.Threads()))
	require.Equal(t, []string{"1001", "1002"}, ids(m.Messages("900")))
}

func TestMessengerQueuedSendTakesOverAfterFailure(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	m := newTestMessenger(t, api, newFakeTransport())

	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	api.sendHook = func(SendRequest) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			<-release
			return errors.New("network down")
		}
		return nil
	}

	var wg sync.WaitGroup
	var firstErr, secondErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = m.StartNewThread(ctx, bob, Draft{Body: "one"})
	}()
	require.Eventually(t, func() bool { return len(api.sentRequests()) == 1 }, time.Second, time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, secondErr = m.StartNewThread(ctx, bob, Draft{Body: "two"})
	}()
	require.Eventually(t, func() bool {
		threads := m.Threads()
		return len(threads) == 1 && len(m.Messages(threads[0].ThreadID)) == 2
	}, time.Second, time.Millisecond)

	close(release)
	wg.Wait()
	require.Error(t, firstErr)
	require.NoError(t, secondErr)

	reqs := api.sentRequests()
	require.Len(t, reqs, 2)
	require.Empty(t, reqs[1].ThreadID, "the queued send creates the thread itself")
	require.Equal(t, []string{"900"}, threadIDs(m.Threads()))
	require.Equal(t, []string{"1001"}, ids(m.Messages("900")))
	require.Equal(t, "one", m.Compose().Body, "the failed draft stays restored")
}

func TestMessengerNewThreadReusesExisting(t *testing.T) {
	api := newFakeAPI()
	api.threads = []ThreadSummary{thread("20", bob, nil, 0)}
	m := newTestMessenger(t, api, newFakeTransport())

	msg, err := m.StartNewThread(context.Background(), bob, Draft{Body: "hi"})
	require.NoError(t, err)
	require.Equal(t, "20", msg.ThreadID)
	require.Equal(t, "20", api.sentRequests()[0].ThreadID)
}

func TestMessengerLivePushAndReadReceipts(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.threads = []ThreadSummary{thread("20", bob, nil, 1), thread("21", alice, nil, 0)}
	api.messages["20"] = []Message{durableMsg(1, "20", bob, me, "unread", minute(-2))}
	ft := newFakeTransport()
	m := newTestMessenger(t, api, ft)

	changed := make(chan string, 16)
	m.On(EventMessagesChanged, func(_ string, payload any) { changed <- payload.(string) })

	require.NoError(t, m.SelectThread(ctx, "20"))
	require.Equal(t, Subscribed, m.ChannelState())
	require.Eventually(t, func() bool {
		s, _ := m.Store().Summary("20")
		return s.UnreadCount == 0
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []int64{1}, api.readIDs())

	ft.publish("private-thread.20", DefaultMessageEvent, pushPayload(t, durableMsg(2, "20", bob, me, "live", time.Now()), ""))
	require.Len(t, m.Messages("20"), 2)
	require.Eventually(t, func() bool { return len(api.readIDs()) == 2 }, time.Second, 5*time.Millisecond)
	s, _ := m.Store().Summary("20")
	require.Zero(t, s.UnreadCount)

	select {
	case id := <-changed:
		require.Equal(t, "20", id)
	default:
		t.Fatal("expected a messages.changed event")
	}

	require.NoError(t, m.SelectThread(ctx, "21"))
	_, subs, unsubs := ft.calls()
	require.Equal(t, []string{"private-thread.20", "private-thread.21"}, subs)
	require.Equal(t, []string{"private-thread.20"}, unsubs)
}

func TestMessengerMalformedPushIsDropped(t *testing.T) {
	api := newFakeAPI()
	api.threads = []ThreadSummary{thread("20", bob, nil, 0)}
	m := newTestMessenger(t, api, newFakeTransport())

	m.HandlePush([]byte(`{"message":{"body":"no id","thread_id":"20"}}`))
	m.HandlePush([]byte(`not json`))
	require.Empty(t, m.Messages("20"))
}

func TestMessengerFetchFailures(t *testing.T) {
	t.Run("thread list", func(t *testing.T) {
		api := newFakeAPI()
		api.threads = []ThreadSummary{thread("20", bob, nil, 0)}
		m := newTestMessenger(t, api, newFakeTransport())
		var notices noticeLog
		m.On(EventNotice, notices.record)

		api.threadsErr = errors.New("boom")
		err := m.Refresh(context.Background())
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		require.Empty(t, m.Threads())
		require.Len(t, notices.all(), 1)
	})

	t.Run("message list", func(t *testing.T) {
		api := newFakeAPI()
		api.threads = []ThreadSummary{thread("20", bob, nil, 0)}
		api.messages["20"] = []Message{durableMsg(1, "20", bob, me, "a", minute(-1))}
		m := newTestMessenger(t, api, newFakeTransport())
		require.NoError(t, m.SelectThread(context.Background(), "20"))
		require.Len(t, m.Messages("20"), 1)

		api.messagesErr = errors.New("boom")
		require.Error(t, m.SelectThread(context.Background(), "20"))
		require.Empty(t, m.Messages("20"))
	})
}

func TestMessengerPollsWithoutPush(t *testing.T) {
	api := newFakeAPI()
	api.threads = []ThreadSummary{thread("20", bob, nil, 0)}
	m := newTestMessenger(t, api, nil, WithPollInterval(10*time.Millisecond))

	require.NoError(t, m.SelectThread(context.Background(), "20"))
	require.Equal(t, Unsubscribed, m.ChannelState())

	api.mu.Lock()
	api.messages["20"] = []Message{durableMsg(7, "20", bob, me, "polled", minute(-1))}
	api.mu.Unlock()
	require.Eventually(t, func() bool { return len(m.Messages("20")) == 1 }, time.Second, 5*time.Millisecond)
}

func TestMessengerValidation(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.threads = []ThreadSummary{thread("20", bob, nil, 0)}
	m := newTestMessenger(t, api, newFakeTransport())

	_, err := m.SendToThread(ctx, "20", Draft{Body: "   "})
	require.ErrorIs(t, err, ErrEmptyDraft)
	_, err = m.SendToThread(ctx, "99", Draft{Body: "hi"})
	require.ErrorIs(t, err, ErrUnknownThread)
	require.ErrorIs(t, m.SelectThread(ctx, "99"), ErrUnknownThread)
	_, err = m.SubmitCompose(ctx)
	require.ErrorIs(t, err, ErrUnknownThread)
	require.Empty(t, api.sentRequests())
}

func TestMessengerCompose(t *testing.T) {
	blobs := NewBlobRegistry()
	api := newFakeAPI()
	api.threads = []ThreadSummary{thread("20", bob, nil, 0)}
	m := newTestMessenger(t, api, newFakeTransport(), WithBlobRegistry(blobs))

	m.SetComposeBody("with files")
	m.AttachFile(LocalFile{Name: "a.pdf", Data: []byte("%PDF")})
	m.AttachFile(LocalFile{Name: "b.txt", Data: []byte("b")})
	require.Equal(t, 2, blobs.Live())
	require.ErrorIs(t, m.RemoveAttachment(5), ErrAttachmentIndex)

	require.NoError(t, m.RemoveAttachment(0))
	require.Equal(t, 1, blobs.Live())
	c := m.Compose()
	require.Len(t, c.Attachments, 1)
	require.Equal(t, "b.txt", c.Attachments[0].Name)

	msg, err := m.SendToThread(context.Background(), "20", m.ComposeDraft())
	require.NoError(t, err)
	require.Len(t, msg.Attachments, 1)
	require.Zero(t, blobs.Live(), "previews and optimistic blobs are released after confirmation")
	require.Empty(t, m.Compose().Body)
}

func TestMessengerRecipients(t *testing.T) {
	api := newFakeAPI()
	api.threads = []ThreadSummary{
		{ThreadID: "20", Participant: Participant{ID: bob, Name: "Bob", Role: "tutor"}},
		{ThreadID: "21", Participant: Participant{ID: alice, Name: "Alice", Role: "student"}},
	}
	m := newTestMessenger(t, api, newFakeTransport())

	all, err := m.Recipients(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)

	tutors, err := RoleFilter(RecipientFunc(m.Recipients), "Tutor").Recipients(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Recipient{{ID: bob, Name: "Bob", Role: "tutor"}}, tutors)
}

func TestMessengerStartResolvesUser(t *testing.T) {
	api := newFakeAPI()
	s := NewSession()
	s.SetToken("tok")
	m := New(api, nil, s, WithLogger(quietLogger()))
	defer m.Close(context.Background())

	require.NoError(t, m.Start(context.Background()))
	require.Equal(t, me, s.UserID())

	require.ErrorIs(t, New(api, nil, NewSession()).Start(context.Background()), ErrNoSession)
}
