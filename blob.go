package mbest

import (
	"sync"

	"github.com/google/uuid"
)

// LocalBlob is a transient, revocable reference to locally held bytes. It plays
// the role of a browser object URL: previews and optimistic attachments render
// from it until it is revoked.
type LocalBlob struct {
	URL      string
	MimeType string
	Size     int64

	reg *BlobRegistry
}

// Bytes returns the blob contents, or nil once revoked.
func (b *LocalBlob) Bytes() []byte {
	if b == nil || b.reg == nil {
		return nil
	}
	return b.reg.get(b.URL)
}

// Revoke releases the blob. Revoking twice is a no-op.
func (b *LocalBlob) Revoke() {
	if b == nil || b.reg == nil {
		return
	}
	b.reg.revoke(b.URL)
}

// BlobRegistry owns every live LocalBlob of a session.
type BlobRegistry struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewBlobRegistry() *BlobRegistry {
	return &BlobRegistry{blobs: make(map[string][]byte)}
}

// Create registers data and returns a blob referencing it.
func (r *BlobRegistry) Create(data []byte, mimeType string) *LocalBlob {
	url := "blob:mbest/" + uuid.NewString()
	r.mu.Lock()
	r.blobs[url] = data
	r.mu.Unlock()
	return &LocalBlob{URL: url, MimeType: mimeType, Size: int64(len(data)), reg: r}
}

// Live returns the number of blobs not yet revoked.
func (r *BlobRegistry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blobs)
}

func (r *BlobRegistry) get(url string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blobs[url]
}

func (r *BlobRegistry) revoke(url string) {
	r.mu.Lock()
	delete(r.blobs, url)
	r.mu.Unlock()
}
