package mbest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const provisionalThreadPrefix = TempPrefix + "thread-"

// IsProvisionalThread reports whether threadID is a client-side placeholder for a
// thread the server has not assigned yet.
func IsProvisionalThread(threadID string) bool {
	return strings.HasPrefix(threadID, provisionalThreadPrefix)
}

// Factory builds optimistic messages the instant a send is submitted.
type Factory struct {
	seq   atomic.Uint64
	blobs *BlobRegistry
	now   func() time.Time
}

func NewFactory(blobs *BlobRegistry) *Factory {
	return &Factory{blobs: blobs, now: time.Now}
}

// TempID returns an identity never produced before in this session.
func (f *Factory) TempID() MessageID {
	n := f.seq.Add(1)
	return PendingID(fmt.Sprintf("%s%d-%d-%s", TempPrefix, f.now().UnixMilli(), n, uuid.NewString()[:8]))
}

// ProvisionalThreadID returns a placeholder key for a not yet created thread.
func (f *Factory) ProvisionalThreadID() string {
	return provisionalThreadPrefix + uuid.NewString()
}

// Build returns a complete optimistic message for draft, addressed to threadID.
// It performs no I/O. Attachment blobs are owned by the caller; see Release.
func (f *Factory) Build(sender UserID, threadID string, draft Draft) Message {
	msg := Message{
		ID:          f.TempID(),
		ThreadID:    threadID,
		SenderID:    sender,
		RecipientID: draft.RecipientID,
		Body:        draft.Body,
		CreatedAt:   f.now().UTC(),
		Optimistic:  &Optimistic{Sending: true},
	}
	for _, file := range draft.Files {
		mimeType := detectMimeType(file)
		msg.Attachments = append(msg.Attachments, Attachment{
			Name:     file.Name,
			MimeType: mimeType,
			Size:     int64(len(file.Data)),
			Local:    f.blobs.Create(file.Data, mimeType),
		})
	}
	return msg
}

// Release revokes every local blob referenced by msg.
func Release(msg Message) {
	for _, a := range msg.Attachments {
		a.Local.Revoke()
	}
}
