package mbest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Identity
// ============================================================================

// UserID identifies a user on the REST collaborator.
type UserID int64

// TempPrefix marks client-generated identities.
const TempPrefix = "temp-"

// MessageID is either a durable server identity or a temporary client identity.
// The zero value is neither.
type MessageID struct {
	durable int64
	temp    string
}

// ConfirmedID returns the durable identity id.
func ConfirmedID(id int64) MessageID { return MessageID{durable: id} }

// PendingID returns a temporary identity. tempID should carry TempPrefix.
func PendingID(tempID string) MessageID { return MessageID{temp: tempID} }

// IsPending reports whether id is a temporary identity.
func (id MessageID) IsPending() bool { return id.temp != "" }

// IsZero reports whether id is unset.
func (id MessageID) IsZero() bool { return id.temp == "" && id.durable == 0 }

// Durable returns the durable identity, if any.
func (id MessageID) Durable() (int64, bool) {
	if id.temp != "" || id.durable == 0 {
		return 0, false
	}
	return id.durable, true
}

// Temp returns the temporary identity, if any.
func (id MessageID) Temp() (string, bool) {
	return id.temp, id.temp != ""
}

func (id MessageID) String() string {
	if id.temp != "" {
		return id.temp
	}
	return strconv.FormatInt(id.durable, 10)
}

func (id MessageID) MarshalJSON() ([]byte, error) {
	if id.temp != "" {
		return json.Marshal(id.temp)
	}
	if id.durable == 0 {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(id.durable, 10)), nil
}

func (id *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = MessageID{}
		return nil
	}
	if data[0] != '"' {
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("message id %s: %w", data, err)
		}
		*id = ConfirmedID(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if strings.HasPrefix(s, TempPrefix) {
		*id = PendingID(s)
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("message id %q is neither durable nor temporary", s)
	}
	*id = ConfirmedID(n)
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// Attachment belongs to exactly one message. Before confirmation it references a
// local blob; after confirmation it references a remote path.
type Attachment struct {
	Name     string     `json:"name"`
	MimeType string     `json:"mime_type,omitempty"`
	Size     int64      `json:"size,omitempty"`
	Path     string     `json:"path,omitempty"`
	Local    *LocalBlob `json:"-"`
}

// Optimistic is present only on messages that are not yet confirmed.
type Optimistic struct {
	Sending bool
}

// Message is the atomic unit exchanged within a thread.
type Message struct {
	ID          MessageID    `json:"id"`
	ThreadID    string       `json:"thread_id"`
	SenderID    UserID       `json:"sender_id"`
	RecipientID UserID       `json:"recipient_id"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	IsRead      bool         `json:"is_read"`
	ReadAt      *time.Time   `json:"read_at,omitempty"`

	// Optimistic is nil on confirmed messages.
	Optimistic *Optimistic `json:"-"`
}

// IsOptimistic reports whether the message still awaits confirmation.
func (m Message) IsOptimistic() bool { return m.Optimistic != nil }

// IsSending reports whether the send request for the message is in flight.
func (m Message) IsSending() bool { return m.Optimistic != nil && m.Optimistic.Sending }

// Summary returns the denormalized thread summary form of the message.
func (m Message) Summary() *MessageSummary {
	return &MessageSummary{
		ID:        m.ID,
		Body:      m.Body,
		SenderID:  m.SenderID,
		CreatedAt: m.CreatedAt,
		IsRead:    m.IsRead,
	}
}

func (m Message) clone() Message {
	c := m
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	if m.Optimistic != nil {
		o := *m.Optimistic
		c.Optimistic = &o
	}
	return c
}

// ============================================================================
// Threads
// ============================================================================

// Participant is the other party of a thread.
type Participant struct {
	ID   UserID `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// MessageSummary is the denormalized last message of a thread.
type MessageSummary struct {
	ID        MessageID `json:"id"`
	Body      string    `json:"body"`
	SenderID  UserID    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
	IsRead    bool      `json:"is_read"`
}

// ThreadSummary is one row of the sidebar thread list.
type ThreadSummary struct {
	ThreadID    string          `json:"thread_id"`
	Participant Participant     `json:"participant"`
	LastMessage *MessageSummary `json:"last_message,omitempty"`
	UnreadCount int             `json:"unread_count"`
}

func (s ThreadSummary) clone() ThreadSummary {
	c := s
	if s.LastMessage != nil {
		lm := *s.LastMessage
		c.LastMessage = &lm
	}
	return c
}

// Recipient is a read-only projection of a thread participant used when
// composing a new thread.
type Recipient struct {
	ID   UserID `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// User is the locally authenticated user.
type User struct {
	ID    UserID `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ============================================================================
// Sending
// ============================================================================

// LocalFile is a file selected locally, not yet uploaded.
type LocalFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// Draft is what the user submits from the compose box.
type Draft struct {
	RecipientID UserID
	Body        string
	Files       []LocalFile
	ThreadID    string
}

// SendRequest is the REST create-message call.
type SendRequest struct {
	RecipientID UserID      `json:"recipient_id"`
	Body        string      `json:"body"`
	ThreadID    string      `json:"thread_id,omitempty"`
	Attachments []LocalFile `json:"-"`
}

// ============================================================================
// Push events
// ============================================================================

// PushEvent is the payload of a message event delivered on a thread channel.
// Servers either wrap the message ({"message": {...}}) or send it bare.
type PushEvent struct {
	Message Message `json:"message"`
	TempID  string  `json:"temp_id,omitempty"`
}

// ParsePushEvent decodes a push payload. It fails with ErrMalformedEvent when the
// message carries no durable identity or no thread key.
func ParsePushEvent(payload json.RawMessage) (*PushEvent, error) {
	var wrapped struct {
		Message *Message `json:"message"`
		TempID  string   `json:"temp_id"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	ev := &PushEvent{TempID: wrapped.TempID}
	if wrapped.Message != nil {
		ev.Message = *wrapped.Message
	} else if err := json.Unmarshal(payload, &ev.Message); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if _, ok := ev.Message.ID.Durable(); !ok {
		return nil, fmt.Errorf("%w: missing durable message id", ErrMalformedEvent)
	}
	if ev.Message.ThreadID == "" {
		return nil, fmt.Errorf("%w: missing thread id", ErrMalformedEvent)
	}
	if ev.TempID != "" && !strings.HasPrefix(ev.TempID, TempPrefix) {
		ev.TempID = ""
	}
	return ev, nil
}
