//go:build integration

package mbest_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mbest "github.com/DevHamza786/mbest-lms-sub001"
)

// TestNATSRoundTrip needs a server, e.g. NATS_URL=nats://127.0.0.1:4222.
func TestNATSRoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nt := mbest.NewNATSTransport(mbest.NATSConfig{URL: url, SubjectPrefix: "mbest-test.", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	defer nt.Close()
	require.NoError(t, nt.Authenticate(ctx, os.Getenv("NATS_TOKEN")))

	h, err := nt.Subscribe(ctx, "private-thread.10")
	require.NoError(t, err)
	got := make(chan json.RawMessage, 4)
	h.On(mbest.DefaultMessageEvent, func(p json.RawMessage) { got <- p })

	require.NoError(t, nt.Publish("private-thread.10", mbest.DefaultMessageEvent, map[string]int{"id": 5}))
	select {
	case p := <-got:
		require.JSONEq(t, `{"id":5}`, string(p))
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}

	require.NoError(t, nt.Unsubscribe(ctx, "private-thread.10"))
	require.NoError(t, nt.Publish("private-thread.10", mbest.DefaultMessageEvent, map[string]int{"id": 6}))
	select {
	case p := <-got:
		t.Fatalf("unexpected event after leaving: %s", p)
	case <-time.After(200 * time.Millisecond):
	}
}
