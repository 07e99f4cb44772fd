// Package chat keeps the bounded chat backlog relayed to every viewer.
package chat

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	MAX_HISTORY  = 1000
	TRIM_TO      = 500
	BACKLOG_SIZE = 20
)

var ErrEmptyMessage = errors.New("empty chat message")

type Message struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type History struct {
	mu       sync.RWMutex
	messages []Message
	now      func() time.Time
}

func NewHistory() *History {
	return &History{now: time.Now}
}

// Append stores msg and returns it as it will be relayed. Once the history
// grows past MAX_HISTORY only the newest TRIM_TO messages are kept.
func (h *History) Append(msg Message) (Message, error) {
	if strings.TrimSpace(msg.Message) == "" {
		return Message{}, ErrEmptyMessage
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = h.now().UnixMilli()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append(h.messages, msg)
	if len(h.messages) > MAX_HISTORY {
		kept := make([]Message, TRIM_TO)
		copy(kept, h.messages[len(h.messages)-TRIM_TO:])
		h.messages = kept
	}
	return msg, nil
}

// Recent returns up to n of the newest messages, oldest first.
func (h *History) Recent(n int) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n > len(h.messages) {
		n = len(h.messages)
	}
	return append([]Message{}, h.messages[len(h.messages)-n:]...)
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}
