package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"

	"trade_engine/pkg/logger"
)

type Notifier interface {
	Send(msg string)
	Sendf(format string, args ...any)
}

// Reporter answers operator commands.
type Reporter interface {
	StatusText() string
	PositionsText() string
}

// Telegram pushes messages to one chat and answers /status and /positions.
type Telegram struct {
	bot    *tgbot.BotAPI
	chatID int64

	mu       sync.Mutex
	reporter Reporter
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "telegram: new bot")
	}
	return &Telegram{bot: b, chatID: chatID}, nil
}

func (t *Telegram) SetReporter(r Reporter) {
	t.mu.Lock()
	t.reporter = r
	t.mu.Unlock()
}

func (t *Telegram) Send(msg string) {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return
	}
	if _, err := t.bot.Send(tgbot.NewMessage(t.chatID, msg)); err != nil {
		logger.Warn("[NOTIFY] telegram send failed: %v", err)
	}
}

func (t *Telegram) Sendf(format string, args ...any) { t.Send(fmt.Sprintf(format, args...)) }

func (t *Telegram) handleCommand(cmd string) {
	t.mu.Lock()
	r := t.reporter
	t.mu.Unlock()
	if r == nil {
		t.Send("engine is not ready")
		return
	}
	switch cmd {
	case "status":
		t.Send(r.StatusText())
	case "positions":
		t.Send(r.PositionsText())
	default:
		t.Send("commands: /status, /positions")
	}
}

// Start long-polls for commands from the configured chat until Stop.
func (t *Telegram) Start(ctx context.Context) {
	if t == nil || t.bot == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		defer close(t.done)
		for {
			select {
			case <-ctx.Done():
				t.bot.StopReceivingUpdates()
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				m := upd.Message
				if m == nil || m.Chat == nil || m.Chat.ID != t.chatID || !m.IsCommand() {
					continue
				}
				t.handleCommand(strings.ToLower(m.Command()))
			}
		}
	}()
}

func (t *Telegram) Stop() {
	if t == nil || t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}

// Log writes notifications to the service log. Used when no Telegram token
// is configured.
type Log struct{}

func NewLog() *Log                           { return &Log{} }
func (Log) Send(msg string)                  { logger.Info("[NOTIFY] %s", msg) }
func (Log) Sendf(format string, args ...any) { logger.Info("[NOTIFY] "+format, args...) }

type Nop struct{}

func (Nop) Send(string)          {}
func (Nop) Sendf(string, ...any) {}

// Recorder keeps messages in memory.
type Recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *Recorder) Send(msg string) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *Recorder) Sendf(format string, args ...any) { r.Send(fmt.Sprintf(format, args...)) }

func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}
