package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	mbest "github.com/DevHamza786/mbest-lms-sub001"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	threadsJSON    bool
	messagesJSON   bool
	sendJSON       bool
	sendAttach     []string
	newJSON        bool
	newAttach      []string
	recipientsRole []string
	recipientsJSON bool
)

// session bundles what the thread commands share.
type session struct {
	cfg       *Config
	client    *mbest.Client
	auth      *mbest.Session
	messenger *mbest.Messenger
	close     func()
}

// openSession builds a started messenger. withPush selects the configured push
// transport; one-shot commands skip it.
func openSession(ctx context.Context, withPush bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	auth, err := newSession(cfg)
	if err != nil {
		return nil, err
	}
	opts, err := messengerOptions(cfg)
	if err != nil {
		return nil, err
	}

	var push mbest.PushTransport
	closePush := func() {}
	if withPush {
		push, closePush, err = newTransport(cfg, client)
		if err != nil {
			return nil, err
		}
	}
	m := mbest.New(client, push, auth, opts...)
	m.On(mbest.EventNotice, func(_ string, payload any) {
		if n, ok := payload.(mbest.Notice); ok {
			fmt.Fprintf(os.Stderr, "%s: %s: %v\n", n.Level, n.Message, n.Err)
		}
	})
	if err := m.Start(ctx); err != nil {
		m.Close(ctx)
		closePush()
		return nil, err
	}
	return &session{
		cfg:       cfg,
		client:    client,
		auth:      auth,
		messenger: m,
		close: func() {
			m.Close(context.Background())
			closePush()
		},
	}, nil
}

func loadFiles(paths []string) ([]mbest.LocalFile, error) {
	files := make([]mbest.LocalFile, 0, len(paths))
	for _, p := range paths {
		f, err := mbest.LoadLocalFile(p)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// ============================================================================
// threads / messages
// ============================================================================

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List threads, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.close()

		threads := s.messenger.Threads()
		if threadsJSON {
			return printJSON(cmd.OutOrStdout(), threads)
		}
		if len(threads) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No threads.")
			return nil
		}
		for _, t := range threads {
			fmt.Fprintln(cmd.OutOrStdout(), formatThread(t))
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <thread-id>",
	Short: "Print the messages of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.messenger.SelectThread(ctx, args[0]); err != nil {
			return err
		}
		msgs := s.messenger.Messages(args[0])
		if messagesJSON {
			return printJSON(cmd.OutOrStdout(), msgs)
		}
		self := s.auth.UserID()
		for _, m := range msgs {
			fmt.Fprintln(cmd.OutOrStdout(), formatMessage(m, self))
		}
		return nil
	},
}

// ============================================================================
// send / new
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <thread-id> <body>",
	Short: "Send a message to an existing thread",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := loadFiles(sendAttach)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.close()

		msg, err := s.messenger.SendToThread(ctx, args[0], mbest.Draft{
			Body:  strings.Join(args[1:], " "),
			Files: files,
		})
		if err != nil {
			return err
		}
		if sendJSON {
			return printJSON(cmd.OutOrStdout(), msg)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent message %s to thread %s\n", msg.ID, msg.ThreadID)
		return nil
	},
}

var newCmd = &cobra.Command{
	Use:   "new <recipient-id> <body>",
	Short: "Start a thread with a recipient (or reuse the existing one)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid recipient id %q", args[0])
		}
		files, err := loadFiles(newAttach)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.close()

		msg, err := s.messenger.StartNewThread(ctx, mbest.UserID(id), mbest.Draft{
			Body:  strings.Join(args[1:], " "),
			Files: files,
		})
		if err != nil {
			return err
		}
		if newJSON {
			return printJSON(cmd.OutOrStdout(), msg)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent message %s in thread %s\n", msg.ID, msg.ThreadID)
		return nil
	},
}

// ============================================================================
// recipients
// ============================================================================

var recipientsCmd = &cobra.Command{
	Use:   "recipients",
	Short: "List who a thread can be started with",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		s, err := openSession(ctx, false)
		if err != nil {
			return err
		}
		defer s.close()

		var src mbest.RecipientSource = mbest.RecipientFunc(s.messenger.Recipients)
		if len(recipientsRole) > 0 {
			src = mbest.RoleFilter(src, recipientsRole...)
		}
		list, err := src.Recipients(ctx)
		if err != nil {
			return err
		}
		if recipientsJSON {
			return printJSON(cmd.OutOrStdout(), list)
		}
		for _, r := range list {
			fmt.Fprintf(cmd.OutOrStdout(), "%-8d %-24s %s\n", r.ID, r.Name, r.Role)
		}
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <thread-id>",
	Short: "Open a thread live; lines typed on stdin are sent",
	Long: "Open a thread with push delivery (falling back to polling), print new messages as\n" +
		"they arrive and acknowledge them as read. Each line read from stdin is sent to the\n" +
		"thread. A token rotated in the config file is picked up without restarting.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx, true)
		if err != nil {
			return err
		}
		defer s.close()

		threadID := args[0]
		out := cmd.OutOrStdout()
		printer := newMessagePrinter(out, s.auth.UserID())
		s.messenger.On(mbest.EventMessagesChanged, func(_ string, payload any) {
			if id, _ := payload.(string); id == threadID {
				printer.print(s.messenger.Messages(threadID))
			}
		})
		if err := s.messenger.SelectThread(ctx, threadID); err != nil {
			return err
		}
		printer.print(s.messenger.Messages(threadID))
		fmt.Fprintf(out, "-- watching %s (%s) --\n", threadID, s.messenger.ChannelState())

		if err := watchConfig(ctx, s); err != nil {
			slog.Warn("config watch disabled", "err", err)
		}

		lines := make(chan string)
		go readLines(cmd.InOrStdin(), lines)
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					<-ctx.Done()
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				go func(body string) {
					if _, err := s.messenger.SendToThread(ctx, threadID, mbest.Draft{Body: body}); err != nil {
						slog.Debug("send failed", "err", err)
					}
				}(line)
			}
		}
	},
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// messagePrinter prints each confirmed message once.
type messagePrinter struct {
	mu      sync.Mutex
	w       io.Writer
	self    mbest.UserID
	printed map[string]bool
}

func newMessagePrinter(w io.Writer, self mbest.UserID) *messagePrinter {
	return &messagePrinter{w: w, self: self, printed: make(map[string]bool)}
}

func (p *messagePrinter) print(msgs []mbest.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if m.IsOptimistic() || p.printed[m.ID.String()] {
			continue
		}
		p.printed[m.ID.String()] = true
		fmt.Fprintln(p.w, formatMessage(m, p.self))
	}
}

// watchConfig reloads the config file on change and pushes a rotated token
// into the session and REST client.
func watchConfig(ctx context.Context, s *session) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors replace files, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					reloadToken(s)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "err", err)
			}
		}
	}()
	return nil
}

func reloadToken(s *session) {
	cfg, err := loadConfig()
	if err != nil {
		slog.Warn("config reload failed", "err", err)
		return
	}
	if cfg.Auth.Token == "" {
		s.auth.Logout()
		return
	}
	if cfg.Auth.Token != s.auth.Token() {
		s.client.SetToken(cfg.Auth.Token)
		s.auth.SetToken(cfg.Auth.Token)
		slog.Info("session token rotated")
	}
}

func init() {
	rootCmd.AddCommand(threadsCmd, messagesCmd, sendCmd, newCmd, recipientsCmd, watchCmd)

	threadsCmd.Flags().BoolVar(&threadsJSON, "json", false, "Output raw JSON")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().StringSliceVar(&sendAttach, "attach", nil, "Attach a file (repeatable)")
	newCmd.Flags().BoolVar(&newJSON, "json", false, "Output raw JSON")
	newCmd.Flags().StringSliceVar(&newAttach, "attach", nil, "Attach a file (repeatable)")
	recipientsCmd.Flags().StringSliceVar(&recipientsRole, "role", nil, "Only recipients with this role (repeatable)")
	recipientsCmd.Flags().BoolVar(&recipientsJSON, "json", false, "Output raw JSON")
}
