package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"vestnik/internal/config"
	"vestnik/internal/models"
	"vestnik/internal/presence"
	"vestnik/internal/realtime"
	"vestnik/internal/storage"
	"vestnik/internal/ws"

	"github.com/dustin/go-humanize"
)

type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, format+"\n", args...)
}

type textMessage struct {
	UserID string `json:"userId,omitempty"`
	Text   string `json:"text"`
}

func clientConfig(cfg *config.ClientConfig) (realtime.Config, error) {
	locale, err := presence.LocaleByName(cfg.Locale)
	if err != nil {
		return realtime.Config{}, err
	}
	return realtime.Config{
		Conn: ws.Config{
			URL:                  cfg.URL,
			Token:                cfg.Token,
			AutoReconnect:        cfg.AutoReconnect,
			ReconnectInterval:    cfg.ReconnectInterval,
			ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			HeartbeatInterval:    cfg.HeartbeatInterval,
			MaxQueueRetries:      cfg.MaxQueueRetries,
			MaxQueueSize:         cfg.MaxQueueSize,
		},
		Presence: presence.Config{
			UserID:            cfg.UserID,
			IdleDetection:     true,
			IdleTimeout:       cfg.IdleTimeout,
			VisibilityGrace:   cfg.VisibilityGrace,
			StatusBroadcast:   true,
			BroadcastInterval: cfg.StatusBroadcastInterval,
			Locale:            locale,
		},
		AutoConnect:    cfg.AutoConnect,
		EnablePresence: cfg.EnablePresence,
	}, nil
}

// RunConnect runs an interactive client reading commands and messages from
// in until EOF, /quit or ctx is cancelled.
func RunConnect(ctx context.Context, cfg *config.ClientConfig, in io.Reader, out io.Writer) error {
	rtConfig, err := clientConfig(cfg)
	if err != nil {
		return err
	}

	p := &printer{out: out}
	opts := []realtime.Option{
		realtime.WithCallbacks(ws.Callbacks{
			OnConnect:    func() { p.printf("* connected") },
			OnDisconnect: func() { p.printf("* disconnected") },
			OnError:      func(e *models.Error) { p.printf("* error: %v", e) },
			OnStatus: func(s models.ConnectionStatus) {
				if s == models.StatusError {
					p.printf("* giving up, type /reconnect to try again")
				}
			},
		}),
		realtime.WithStatusChange(func(userID string, status models.UserStatus) {
			p.printf("* %s is %s", userID, status)
		}),
	}

	if cfg.PresenceDB != "" {
		store, err := storage.NewBboltStorage(cfg.PresenceDB)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		opts = append(opts, realtime.WithStore(store))
	}

	client, err := realtime.New(rtConfig, opts...)
	if err != nil {
		return err
	}

	client.OnMessage(func(data json.RawMessage) {
		var msg textMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Text == "" {
			p.printf("<?> %s", data)
			return
		}
		p.printf("<%s> %s", msg.UserID, msg.Text)
	})
	client.OnTyping(func(d models.TypingData) {
		if d.IsTyping {
			p.printf("* %s is typing in %s", d.UserID, d.ConversationID)
		}
	})
	client.OnReadReceipt(func(d models.ReadReceiptData) {
		p.printf("* %s read %s", d.UserID, d.MessageID)
	})

	if err := client.Start(); err != nil {
		return err
	}
	defer func() {
		if err := client.Shutdown(); err != nil {
			p.printf("* shutdown: %v", err)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(client, p, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func handleLine(client *realtime.Client, p *printer, line string) (quit bool) {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := client.SendMessage(textMessage{UserID: client.UserID(), Text: line}); err != nil {
			p.printf("* send failed: %v", err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	tracker := client.Tracker()
	switch cmd {
	case "quit":
		return true
	case "status":
		printStatus(client, p)
	case "who":
		for _, r := range tracker.Presences() {
			lastSeen, _ := tracker.GetLastSeen(r.UserID)
			p.printf("  %-20s %-8s %s", r.UserID, r.Status, lastSeen)
		}
	case "typing":
		if err := client.SendTyping(arg, true); err != nil {
			p.printf("* send failed: %v", err)
		}
	case "read":
		conversation, message, _ := strings.Cut(arg, " ")
		if err := client.MarkRead(conversation, message); err != nil {
			p.printf("* send failed: %v", err)
		}
	case "online", "away", "busy":
		if err := tracker.SetMyStatus(models.UserStatus(cmd)); err != nil {
			p.printf("* %v", err)
		}
	case "hide":
		tracker.SetVisible(false)
	case "show":
		tracker.SetVisible(true)
	case "reconnect":
		client.Manager().Reconnect()
	case "clear":
		p.printf("* dropped %d queued envelopes", client.Manager().ClearQueue())
	default:
		p.printf("* unknown command /%s", cmd)
	}
	return false
}

func printStatus(client *realtime.Client, p *printer) {
	info := client.Manager().Info()
	stats := client.Manager().Stats()

	since := "never"
	if !info.ConnectedAt.IsZero() {
		since = humanize.Time(info.ConnectedAt)
	}
	p.printf("  status:     %s (connected %s)", info.Status, since)
	p.printf("  me:         %s", client.Tracker().MyStatus())
	p.printf("  queued:     %d", info.QueuedMessages)
	p.printf("  attempts:   %d", info.ReconnectAttempts)
	p.printf("  sent:       %d (%s)", stats.MessagesSent, humanize.Bytes(stats.BytesSent))
	p.printf("  received:   %d (%s)", stats.MessagesReceived, humanize.Bytes(stats.BytesReceived))
	p.printf("  reconnects: %d, errors: %d, dropped: %d", stats.Reconnections, stats.Errors, stats.Dropped)
	if info.LastError != nil {
		p.printf("  last error: %v", info.LastError)
	}
}
