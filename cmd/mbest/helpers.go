package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	mbest "github.com/DevHamza786/mbest-lms-sub001"
)

// newClient creates a REST client for the configured server.
func newClient(cfg *Config) (*mbest.Client, error) {
	if cfg.Default.BaseURL == "" {
		return nil, errors.New("no server configured. Run 'mbest config set default.base_url <url>' first")
	}
	opts := []mbest.ClientOption{mbest.WithToken(cfg.Auth.Token)}
	if cfg.Default.Timeout != "" {
		d, err := time.ParseDuration(cfg.Default.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid default.timeout: %w", err)
		}
		opts = append(opts, mbest.WithTimeout(d))
	}
	return mbest.NewClient(cfg.Default.BaseURL, opts...), nil
}

// newSession restores the stored session without a network round trip.
func newSession(cfg *Config) (*mbest.Session, error) {
	if cfg.Auth.Token == "" {
		return nil, errors.New("not logged in. Run 'mbest login <token>' first")
	}
	s := mbest.NewSession()
	s.SetToken(cfg.Auth.Token)
	if cfg.Auth.UserID != 0 {
		s.SetUser(mbest.User{ID: mbest.UserID(cfg.Auth.UserID), Name: cfg.Auth.UserName, Email: cfg.Auth.Email})
	}
	return s, nil
}

// newTransport builds the configured push transport. It returns nil for
// "none", leaving the messenger to poll.
func newTransport(cfg *Config, client *mbest.Client) (mbest.PushTransport, func(), error) {
	switch cfg.Push.Transport {
	case "", "websocket":
		url := cfg.Push.URL
		if url == "" {
			url = cfg.Default.BaseURL
		}
		wsCfg := &mbest.WSConfig{AutoReconnect: true, Authorizer: client, Logger: slog.Default()}
		if cfg.Push.AuthSecret != "" {
			wsCfg.Authorizer = mbest.StaticKeyAuthorizer{Key: cfg.Push.AuthKey, Secret: cfg.Push.AuthSecret}
		}
		ws := mbest.NewWSTransport(url, wsCfg)
		return ws, func() { ws.Close() }, nil
	case "nats":
		nt := mbest.NewNATSTransport(mbest.NATSConfig{URL: cfg.Push.URL, Logger: slog.Default()})
		return nt, nt.Close, nil
	case "none":
		return nil, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown push.transport %q", cfg.Push.Transport)
}

func messengerOptions(cfg *Config) ([]mbest.Option, error) {
	opts := []mbest.Option{mbest.WithLogger(slog.Default()), mbest.WithMetrics(metrics)}
	if cfg.Push.ChannelPrefix != "" {
		opts = append(opts, mbest.WithChannelPrefix(cfg.Push.ChannelPrefix))
	}
	if cfg.Push.Event != "" {
		opts = append(opts, mbest.WithMessageEvent(cfg.Push.Event))
	}
	if cfg.Sync.PollInterval != "" {
		d, err := time.ParseDuration(cfg.Sync.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid sync.poll_interval: %w", err)
		}
		opts = append(opts, mbest.WithPollInterval(d))
	}
	read := mbest.ReadTrackerOptions{
		Concurrency: cfg.Sync.AckConcurrency,
		Rate:        rate.Limit(cfg.Sync.AckRate),
	}
	if cfg.Sync.ReadDebounce != "" {
		d, err := time.ParseDuration(cfg.Sync.ReadDebounce)
		if err != nil {
			return nil, fmt.Errorf("invalid sync.read_debounce: %w", err)
		}
		read.Debounce = d
	}
	opts = append(opts, mbest.WithReadTrackerOptions(read))
	return opts, nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(b))
	return nil
}

func formatThread(s mbest.ThreadSummary) string {
	name := valueOrDefault(s.Participant.Name, fmt.Sprintf("user %d", s.Participant.ID))
	line := fmt.Sprintf("%-24s %-20s", s.ThreadID, name)
	if s.UnreadCount > 0 {
		line += fmt.Sprintf(" (%d unread)", s.UnreadCount)
	}
	if lm := s.LastMessage; lm != nil {
		line += fmt.Sprintf("  %s  %s", humanize.Time(lm.CreatedAt), truncate(lm.Body, 40))
	}
	return line
}

func formatMessage(m mbest.Message, self mbest.UserID) string {
	from := fmt.Sprintf("%d", m.SenderID)
	if m.SenderID == self {
		from = "you"
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("Jan 2 15:04"), from, m.Body)
	if n := len(m.Attachments); n > 0 {
		var size int64
		for _, a := range m.Attachments {
			size += a.Size
		}
		line += fmt.Sprintf("  (%d %s, %s)", n, plural(n, "file", "files"), humanize.Bytes(uint64(size)))
	}
	switch {
	case m.IsSending():
		line += "  sending..."
	case m.SenderID != self && !m.IsRead:
		line += "  *"
	}
	return line
}

// maskKey shows only the ends of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
