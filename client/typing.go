package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	v1 "aura/contracts/chat/v1"
)

// typingIdleWindow is how long after the last keystroke the stop signal fires.
const typingIdleWindow = 3 * time.Second

// TypingNotifier debounces keystrokes into typing_start/typing_stop
// signals for one conversation. The first keystroke after an idle period
// emits a start; each keystroke resets the idle timer; timer expiry emits
// exactly one stop. Sending a message cancels the timer and emits the
// stop immediately when a start is outstanding.
type TypingNotifier struct {
	log            *slog.Logger
	sender         Sender
	conversationID int64
	window         time.Duration

	mu     sync.Mutex
	active bool
	timer  *time.Timer
}

// NewTypingNotifier creates a debouncer for one conversation.
func NewTypingNotifier(log *slog.Logger, sender Sender, conversationID int64) *TypingNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &TypingNotifier{
		log:            log,
		sender:         sender,
		conversationID: conversationID,
		window:         typingIdleWindow,
	}
}

// Keystroke records input activity, emitting typing_start on the idle
// edge and rearming the stop timer.
func (n *TypingNotifier) Keystroke(ctx context.Context) {
	n.mu.Lock()
	wasIdle := !n.active
	n.active = true
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.window, n.expire)
	n.mu.Unlock()

	if wasIdle {
		n.emit(ctx, v1.TypeTypingStart)
	}
}

// MessageSent cancels the idle timer and emits typing_stop when a start
// is outstanding. Safe to call when not typing.
func (n *TypingNotifier) MessageSent(ctx context.Context) {
	if n.disarm() {
		n.emit(ctx, v1.TypeTypingStop)
	}
}

// Stop cancels any pending signal without emitting, for teardown.
func (n *TypingNotifier) Stop() {
	n.disarm()
}

func (n *TypingNotifier) expire() {
	if n.disarm() {
		n.emit(context.Background(), v1.TypeTypingStop)
	}
}

// disarm clears the active state and reports whether a stop is owed.
func (n *TypingNotifier) disarm() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	was := n.active
	n.active = false
	return was
}

func (n *TypingNotifier) emit(ctx context.Context, typ string) {
	payload, err := json.Marshal(v1.TypingPayload{ConversationID: n.conversationID})
	if err != nil {
		return
	}
	env := v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: payload}
	if err := n.sender.Send(ctx, env); err != nil {
		n.log.Debug("client.typing.send.fail", "type", typ, "err", err)
	}
}
