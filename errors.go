package mbest

import (
	"errors"
	"fmt"
)

var (
	ErrNoSession            = errors.New("mbest: no authenticated user")
	ErrUnknownThread        = errors.New("mbest: unknown thread")
	ErrAttachmentIndex      = errors.New("mbest: attachment index out of range")
	ErrMalformedEvent       = errors.New("mbest: malformed push event")
	ErrNotConnected         = errors.New("mbest: push transport not connected")
	ErrSubscriptionRejected = errors.New("mbest: channel subscription rejected")
	ErrEmptyDraft           = errors.New("mbest: draft has no body and no files")
)

// APIError is a non-2xx response from the REST collaborator.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api %d: %s", e.Status, e.Message)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == 0 || e.Status == 408 || e.Status == 429 || e.Status >= 500
}

// SendError is a recoverable send failure. The optimistic entry has already been
// removed; Draft holds what the user submitted so it can be put back.
type SendError struct {
	ThreadID string
	Draft    Draft
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to thread %q failed: %v", e.ThreadID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// FetchError wraps a failed thread or message list fetch.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *FetchError) Unwrap() error { return e.Err }

// isTemporary reports whether err is worth retrying.
func isTemporary(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return !errors.Is(err, ErrNoSession)
}
