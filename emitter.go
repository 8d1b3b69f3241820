package mbest

import (
	"log/slog"
	"sync"
)

// Events emitted by Messenger.
const (
	EventThreadsChanged  = "threads.changed"  // payload: nil
	EventMessagesChanged = "messages.changed" // payload: thread id (string)
	EventNotice          = "notice"           // payload: Notice
)

// NoticeLevel classifies user-facing notifications.
type NoticeLevel string

const (
	NoticeError NoticeLevel = "error"
	NoticeInfo  NoticeLevel = "info"
)

// Notice is a dismissible notification for the surrounding screen.
type Notice struct {
	Level   NoticeLevel
	Message string
	Err     error
}

// EventHandler handles Messenger events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	log       *slog.Logger
}

func newEmitter(log *slog.Logger) *emitter {
	return &emitter{listeners: make(map[string][]EventHandler), log: log}
}

func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("event handler panicked", "event", event, "panic", r)
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
