package mbest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

const (
	me    UserID = 1
	alice UserID = 2
	bob   UserID = 3
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func minute(minutes int) time.Time { return t0.Add(time.Duration(minutes) * time.Minute) }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func selfIs(id UserID) func() UserID { return func() UserID { return id } }

// testEngine is a store with its reconciler, as Messenger wires them.
type testEngine struct {
	store   *Store
	orderer *Orderer
	recon   *Reconciler
	factory *Factory
	blobs   *BlobRegistry
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	store := NewStore()
	orderer := NewOrderer(store)
	blobs := NewBlobRegistry()
	factory := NewFactory(blobs)
	clock := t0
	factory.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return &testEngine{
		store:   store,
		orderer: orderer,
		recon:   NewReconciler(store, orderer, selfIs(me), nil, quietLogger()),
		factory: factory,
		blobs:   blobs,
	}
}

func (e *testEngine) seed(threads ...ThreadSummary) {
	e.orderer.Replace(threads)
}

// send inserts an optimistic message for draft into threadID.
func (e *testEngine) send(threadID string, to UserID, body string, files ...LocalFile) Message {
	msg := e.factory.Build(me, threadID, Draft{RecipientID: to, Body: body, Files: files})
	e.recon.Insert(msg, Participant{ID: to})
	return msg
}

func thread(id string, with UserID, last *Message, unread int) ThreadSummary {
	s := ThreadSummary{ThreadID: id, Participant: Participant{ID: with, Name: fmt.Sprintf("user %d", with)}, UnreadCount: unread}
	if last != nil {
		s.LastMessage = last.Summary()
	}
	return s
}

func durableMsg(id int64, threadID string, from, to UserID, body string, when time.Time) Message {
	return Message{
		ID:          ConfirmedID(id),
		ThreadID:    threadID,
		SenderID:    from,
		RecipientID: to,
		Body:        body,
		CreatedAt:   when,
	}
}

func pushPayload(t *testing.T, m Message, tempID string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(PushEvent{Message: m, TempID: tempID})
	if err != nil {
		t.Fatalf("marshal push: %v", err)
	}
	return b
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID.String()
	}
	return out
}

func threadIDs(threads []ThreadSummary) []string {
	out := make([]string, len(threads))
	for i, s := range threads {
		out[i] = s.ThreadID
	}
	return out
}

// ============================================================================
// fakeAPI
// ============================================================================

// fakeAPI is an in-memory REST collaborator. Messages sent through it are
// assigned increasing durable ids.
type fakeAPI struct {
	mu sync.Mutex

	user        User
	threads     []ThreadSummary
	threadsErr  error
	messages    map[string][]Message
	messagesErr error

	nextID    int64
	newThread string
	sendErr   error
	sendHook  func(req SendRequest) error
	sent      []SendRequest

	readErr  map[int64][]error
	readGate chan struct{}
	reads    []int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		user:      User{ID: me, Name: "me"},
		messages:  make(map[string][]Message),
		nextID:    1000,
		newThread: "900",
		readErr:   make(map[int64][]error),
	}
}

func (f *fakeAPI) ListThreads(context.Context) ([]ThreadSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threadsErr != nil {
		return nil, f.threadsErr
	}
	out := make([]ThreadSummary, len(f.threads))
	for i, s := range f.threads {
		out[i] = s.clone()
	}
	return out, nil
}

func (f *fakeAPI) ListMessages(_ context.Context, threadID string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messagesErr != nil {
		return nil, f.messagesErr
	}
	out := make([]Message, len(f.messages[threadID]))
	for i, m := range f.messages[threadID] {
		out[i] = m.clone()
	}
	return out, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, req SendRequest) (*Message, error) {
	f.mu.Lock()
	hook := f.sendHook
	f.sent = append(f.sent, req)
	err := f.sendErr
	f.mu.Unlock()
	if hook != nil {
		if herr := hook(req); herr != nil {
			return nil, herr
		}
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	threadID := req.ThreadID
	if threadID == "" {
		threadID = f.newThread
	}
	m := durableMsg(f.nextID, threadID, f.user.ID, req.RecipientID, req.Body, t0.Add(time.Duration(f.nextID)*time.Second))
	for _, a := range req.Attachments {
		m.Attachments = append(m.Attachments, Attachment{Name: a.Name, Size: int64(len(a.Data)), Path: "/files/" + a.Name})
	}
	f.messages[threadID] = append(f.messages[threadID], m)
	return &m, nil
}

func (f *fakeAPI) MarkMessageRead(ctx context.Context, id int64) error {
	f.mu.Lock()
	f.reads = append(f.reads, id)
	gate := f.readGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.readErr[id]; len(errs) > 0 {
		err := errs[0]
		f.readErr[id] = errs[1:]
		return err
	}
	return nil
}

func (f *fakeAPI) CurrentUser(context.Context) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.user
	return &u, nil
}

func (f *fakeAPI) sentRequests() []SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SendRequest(nil), f.sent...)
}

func (f *fakeAPI) readIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.reads...)
}

var _ API = (*fakeAPI)(nil)
