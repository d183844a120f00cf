// Package notify delivers classifier events to Telegram. Delivery is
// asynchronous behind a bounded queue so a slow or dead Telegram API can
// never stall the classifier tick.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sentinelops/banhammer/internal/config"
	"github.com/sentinelops/banhammer/internal/pkg/logger"
	"github.com/sentinelops/banhammer/internal/sink"
)

const sendTimeout = 10 * time.Second

// Telegram implements sink.Notifier against the Bot API.
type Telegram struct {
	apiURL     string
	chatID     string
	httpClient *http.Client
	log        *logger.Logger

	queue  chan sink.Event
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTelegram creates a notifier. Call Start before handing it to the
// classifier.
func NewTelegram(cfg config.NotifyConfig) *Telegram {
	return &Telegram{
		apiURL:     fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", cfg.TelegramBotToken),
		chatID:     cfg.TelegramChatID,
		httpClient: &http.Client{Timeout: sendTimeout},
		log:        logger.With("notify"),
		queue:      make(chan sink.Event, cfg.QueueSize),
	}
}

// SetAPIURL overrides the Bot API endpoint (useful for testing)
func (t *Telegram) SetAPIURL(url string) { t.apiURL = url }

// Notify enqueues an event for delivery. When the queue is full the event is
// dropped with a warning; notification is best-effort.
func (t *Telegram) Notify(ev sink.Event) {
	select {
	case t.queue <- ev:
	default:
		t.log.Warn("notify queue full, dropping event",
			"kind", ev.Kind.String(), "email", ev.Email)
	}
}

// Start launches the delivery worker.
func (t *Telegram) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)
		for {
			select {
			case ev := <-t.queue:
				if err := t.send(ctx, ev.Message()); err != nil {
					t.log.Error("telegram send failed",
						"kind", ev.Kind.String(), "email", ev.Email, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop drains nothing: queued events are abandoned, consistent with the
// best-effort contract.
func (t *Telegram) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

func (t *Telegram) send(ctx context.Context, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: t.chatID, Text: text})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}
