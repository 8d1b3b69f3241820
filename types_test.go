package mbest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageIDUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    MessageID
		wantErr bool
	}{
		{name: "number", in: `42`, want: ConfirmedID(42)},
		{name: "numeric string", in: `"42"`, want: ConfirmedID(42)},
		{name: "temp", in: `"temp-1700000000-1-abcd"`, want: PendingID("temp-1700000000-1-abcd")},
		{name: "null", in: `null`, want: MessageID{}},
		{name: "garbage", in: `"abc"`, wantErr: true},
		{name: "float", in: `4.2`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id MessageID
			err := json.Unmarshal([]byte(tt.in), &id)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, id)
		})
	}
}

func TestMessageIDAccessors(t *testing.T) {
	d := ConfirmedID(7)
	n, ok := d.Durable()
	require.True(t, ok)
	require.EqualValues(t, 7, n)
	_, ok = d.Temp()
	require.False(t, ok)
	require.False(t, d.IsPending())

	p := PendingID("temp-x")
	_, ok = p.Durable()
	require.False(t, ok)
	require.True(t, p.IsPending())
	require.Equal(t, "temp-x", p.String())

	require.True(t, MessageID{}.IsZero())
	b, err := json.Marshal(MessageID{})
	require.NoError(t, err)
	require.Equal(t, "null", string(b))
}

func TestParsePushEvent(t *testing.T) {
	t.Run("wrapped with temp id", func(t *testing.T) {
		ev, err := ParsePushEvent(json.RawMessage(`{"message":{"id":5,"thread_id":"10","sender_id":1,"recipient_id":2,"body":"hi","created_at":"2026-03-01T09:00:00Z"},"temp_id":"temp-abc"}`))
		require.NoError(t, err)
		require.Equal(t, ConfirmedID(5), ev.Message.ID)
		require.Equal(t, "10", ev.Message.ThreadID)
		require.Equal(t, "temp-abc", ev.TempID)
		require.True(t, ev.Message.CreatedAt.Equal(t0))
	})

	t.Run("bare message", func(t *testing.T) {
		ev, err := ParsePushEvent(json.RawMessage(`{"id":"6","thread_id":"10","sender_id":2,"body":"yo"}`))
		require.NoError(t, err)
		require.Equal(t, ConfirmedID(6), ev.Message.ID)
		require.Empty(t, ev.TempID)
	})

	t.Run("foreign temp id ignored", func(t *testing.T) {
		ev, err := ParsePushEvent(json.RawMessage(`{"message":{"id":5,"thread_id":"10"},"temp_id":"abc"}`))
		require.NoError(t, err)
		require.Empty(t, ev.TempID)
	})

	malformed := map[string]string{
		"invalid json":      `{`,
		"missing id":        `{"message":{"thread_id":"10","body":"x"}}`,
		"temporary id only": `{"message":{"id":"temp-1","thread_id":"10"}}`,
		"missing thread":    `{"message":{"id":5,"body":"x"}}`,
	}
	for name, payload := range malformed {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePushEvent(json.RawMessage(payload))
			require.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func TestAPIErrorTemporary(t *testing.T) {
	require.True(t, (&APIError{Status: 503}).Temporary())
	require.True(t, (&APIError{Status: 429}).Temporary())
	require.False(t, (&APIError{Status: 404}).Temporary())
	require.False(t, isTemporary(ErrNoSession))
	require.True(t, isTemporary(&FetchError{Op: "x", Err: &APIError{Status: 502}}))
}
