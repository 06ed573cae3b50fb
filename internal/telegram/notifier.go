package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"github.com/set-night/taskescrow/internal/config"
	"github.com/set-night/taskescrow/internal/domain"
)

type LogType string

const (
	LogTypeError   LogType = "error"
	LogTypeFunding LogType = "funding"
	LogTypeSettled LogType = "settled"
	LogTypeRefund  LogType = "refund"
)

type alert struct {
	ctx     context.Context
	logType LogType
	topicID int
	text    string
}

// Notifier posts settlement events into topics of the operators' log chat.
// Messages are queued and sent by a background goroutine; when the queue
// is full new alerts are dropped and logged.
type Notifier struct {
	sender Sender
	cfg    *config.Config
	now    func() time.Time

	mu     sync.Mutex
	closed bool
	queue  chan alert
	done   chan struct{}
}

func NewNotifier(s Sender, cfg *config.Config) *Notifier {
	n := &Notifier{
		sender: s,
		cfg:    cfg,
		now:    time.Now,
		queue:  make(chan alert, config.AlertQueueSize),
		done:   make(chan struct{}),
	}
	go n.loop()
	return n
}

// Close stops accepting alerts and waits until the queued ones are sent.
func (n *Notifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	<-n.done
}

func (n *Notifier) Log(ctx context.Context, logType LogType, message string) {
	if n.cfg.LogTelegramChatID == 0 {
		return
	}

	topicID := n.topicID(logType)
	if topicID == 0 {
		return
	}

	a := alert{
		// Alerts outlive the request that triggered them.
		ctx:     context.WithoutCancel(ctx),
		logType: logType,
		topicID: topicID,
		text:    Truncate(message, config.MaxTelegramMessageLen),
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		slog.Warn("telegram log dropped after shutdown", "type", logType)
		return
	}
	select {
	case n.queue <- a:
	default:
		slog.Warn("telegram log queue full, dropping", "type", logType)
	}
}

func (n *Notifier) loop() {
	defer close(n.done)
	for a := range n.queue {
		n.send(a)
	}
}

func (n *Notifier) send(a alert) {
	ctx, cancel := context.WithTimeout(a.ctx, config.AlertTimeout)
	defer cancel()

	_, err := n.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:          n.cfg.LogTelegramChatID,
		Text:            a.text,
		ParseMode:       models.ParseModeMarkdownV1,
		MessageThreadID: a.topicID,
	})
	if err != nil {
		slog.Error("failed to send telegram log", "type", a.logType, "error", err)
	}
}

func (n *Notifier) LedgerFailed(ctx context.Context, taskID uuid.UUID, op domain.LedgerOp, err error) {
	msg := fmt.Sprintf("❌ *Ledger call failed*\n\n*Task:* `%s`\n*Operation:* %s\n*Error:* `%s`\n*Time:* %s",
		taskID, op, EscapeMarkdown(err.Error()), n.now().Format("2006-01-02 15:04:05"))
	n.Log(ctx, LogTypeError, msg)
}

func (n *Notifier) TaskFunded(ctx context.Context, task *domain.Task) {
	msg := fmt.Sprintf("💰 *Task funded*\n\n*Task:* `%s`\n*Category:* %s\n*Workers:* %d\n*Escrow:* %s",
		task.ID, EscapeMarkdown(task.Category), task.NumWorkers, task.TotalPayout.StringFixed(2))
	n.Log(ctx, LogTypeFunding, msg)
}

func (n *Notifier) SubmissionSettled(ctx context.Context, task *domain.Task, sub *domain.Submission) {
	icon := "✅"
	if sub.Status == domain.SubmissionStatusRejected {
		icon = "🚫"
	}
	msg := fmt.Sprintf("%s *Submission %s*\n\n*Task:* `%s`\n*Submission:* `%s`\n*Worker:* %s",
		icon, sub.Status, task.ID, sub.ID, EscapeMarkdown(sub.WorkerID))
	if sub.Result != nil {
		msg += fmt.Sprintf("\n*Consensus:* %s (%s)", sub.Result.ConsensusRatio.StringFixed(2), EscapeMarkdown(sub.Result.Reason))
	}
	n.Log(ctx, LogTypeSettled, msg)
}

func (n *Notifier) TaskClosed(ctx context.Context, task *domain.Task) {
	logType := LogTypeRefund
	if task.Status == domain.TaskStatusApproved {
		logType = LogTypeSettled
	}
	msg := fmt.Sprintf("🏁 *Task %s*\n\n*Task:* `%s`\n*Settled slots:* %d/%d",
		task.Status, task.ID, task.SettledSlots, task.NumWorkers)
	n.Log(ctx, logType, msg)
}

func (n *Notifier) topicID(logType LogType) int {
	switch logType {
	case LogTypeError:
		return n.cfg.LogTopicError
	case LogTypeFunding:
		return n.cfg.LogTopicFunding
	case LogTypeSettled:
		return n.cfg.LogTopicSettled
	case LogTypeRefund:
		return n.cfg.LogTopicRefund
	default:
		return 0
	}
}
