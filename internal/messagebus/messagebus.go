// Package messagebus implements the bounded in-memory inter-agent mailbox.
//
// Messages are kept oldest first in a single slice capped at MaxMessages;
// when full the oldest message is dropped. Listeners are notified
// synchronously on post and must never call back into the bus while holding
// an agent lifecycle lock.
package messagebus

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/errdefs"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// MaxMessages caps the retained backlog.
const MaxMessages = 500

// Message types.
const (
	TypeTask      = "task"
	TypeResult    = "result"
	TypeQuestion  = "question"
	TypeInfo      = "info"
	TypeStatus    = "status"
	TypeInterrupt = "interrupt"
)

var validTypes = map[string]bool{
	TypeTask:      true,
	TypeResult:    true,
	TypeQuestion:  true,
	TypeInfo:      true,
	TypeStatus:    true,
	TypeInterrupt: true,
}

// Message is one bus entry. To is empty for broadcasts.
type Message struct {
	ID           string         `json:"id"`
	From         string         `json:"from"`
	FromName     string         `json:"fromName,omitempty"`
	To           string         `json:"to,omitempty"`
	Type         string         `json:"type"`
	Content      string         `json:"content"`
	Channel      string         `json:"channel,omitempty"`
	ExcludeRoles []string       `json:"excludeRoles,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	ReadBy       []string       `json:"readBy,omitempty"`
}

func (m *Message) clone() *Message {
	out := *m
	out.ExcludeRoles = append([]string(nil), m.ExcludeRoles...)
	out.ReadBy = append([]string(nil), m.ReadBy...)
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (m *Message) readBy(agentID string) bool {
	for _, id := range m.ReadBy {
		if id == agentID {
			return true
		}
	}
	return false
}

func (m *Message) excludesRole(role string) bool {
	if role == "" {
		return false
	}
	for _, r := range m.ExcludeRoles {
		if r == role {
			return true
		}
	}
	return false
}

// VisibleTo reports whether an addressee with the given role can see the
// message: addressed directly, or broadcast and the role is not excluded.
func (m *Message) VisibleTo(agentID, role string) bool {
	if m.To != "" {
		return m.To == agentID
	}
	return !m.excludesRole(role)
}

// PostInput is the caller-supplied part of a message.
type PostInput struct {
	From         string
	FromName     string
	To           string
	Type         string
	Content      string
	Channel      string
	ExcludeRoles []string
	Metadata     map[string]any
}

// Query filters bus messages. Zero values mean "any".
type Query struct {
	To        string
	From      string
	Type      string
	Channel   string
	UnreadBy  string
	Since     time.Time
	AgentRole string
	Limit     int
}

// Listener receives every posted message synchronously.
type Listener func(msg *Message)

// Bus is the in-memory message store.
type Bus struct {
	mu        sync.Mutex
	messages  []*Message
	listeners map[int]Listener
	nextID    int
	logger    *logger.Logger
}

// New creates an empty Bus.
func New(log *logger.Logger) *Bus {
	return &Bus{
		listeners: make(map[int]Listener),
		logger:    log.WithFields(zap.String("component", "messagebus")),
	}
}

// Post validates, stores and fans out a message. The oldest message is
// dropped when the backlog is full.
func (b *Bus) Post(in PostInput) (*Message, error) {
	if in.From == "" {
		return nil, errdefs.Invalidf("message requires a sender")
	}
	if !validTypes[in.Type] {
		return nil, errdefs.Invalidf("unknown message type %q", in.Type)
	}

	msg := &Message{
		ID:           uuid.New().String(),
		From:         in.From,
		FromName:     in.FromName,
		To:           in.To,
		Type:         in.Type,
		Content:      in.Content,
		Channel:      in.Channel,
		ExcludeRoles: append([]string(nil), in.ExcludeRoles...),
		Metadata:     in.Metadata,
		CreatedAt:    time.Now().UTC(),
	}

	b.mu.Lock()
	if len(b.messages) >= MaxMessages {
		dropped := b.messages[0]
		b.messages = b.messages[1:]
		b.logger.Debug("message backlog full, dropping oldest",
			zap.String("dropped_id", dropped.ID))
	}
	b.messages = append(b.messages, msg)
	listeners := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	snapshot := msg.clone()
	b.mu.Unlock()

	for _, l := range listeners {
		b.notify(l, snapshot)
	}
	return snapshot, nil
}

// notify runs one listener, recovering panics so a broken subscriber cannot
// take the bus down.
func (b *Bus) notify(l Listener, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("message listener panicked",
				zap.String("message_id", msg.ID),
				zap.Any("panic", r))
		}
	}()
	l(msg)
}

// Query returns matching messages ordered oldest to newest.
func (b *Bus) Query(q Query) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Message
	for _, msg := range b.messages {
		if q.To != "" && !msg.VisibleTo(q.To, q.AgentRole) {
			continue
		}
		if q.From != "" && msg.From != q.From {
			continue
		}
		if q.Type != "" && msg.Type != q.Type {
			continue
		}
		if q.Channel != "" && msg.Channel != q.Channel {
			continue
		}
		if q.UnreadBy != "" && msg.readBy(q.UnreadBy) {
			continue
		}
		if !q.Since.IsZero() && !msg.CreatedAt.After(q.Since) {
			continue
		}
		out = append(out, msg.clone())
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Get returns one message by id.
func (b *Bus) Get(id string) (*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, msg := range b.messages {
		if msg.ID == id {
			return msg.clone(), nil
		}
	}
	return nil, errdefs.NotFoundf("message %s not found", id)
}

// MarkRead records that agentID has read the message.
func (b *Bus) MarkRead(id, agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, msg := range b.messages {
		if msg.ID != id {
			continue
		}
		if !msg.readBy(agentID) {
			msg.ReadBy = append(msg.ReadBy, agentID)
		}
		return nil
	}
	return errdefs.NotFoundf("message %s not found", id)
}

// MarkAllRead marks every message visible to the agent as read.
func (b *Bus) MarkAllRead(agentID, role string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, msg := range b.messages {
		if !msg.VisibleTo(agentID, role) || msg.readBy(agentID) {
			continue
		}
		msg.ReadBy = append(msg.ReadBy, agentID)
		n++
	}
	return n
}

// UnreadCount returns the number of visible unread messages for the agent.
func (b *Bus) UnreadCount(agentID, role string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, msg := range b.messages {
		if msg.VisibleTo(agentID, role) && !msg.readBy(agentID) {
			n++
		}
	}
	return n
}

// DeleteMessage removes one message.
func (b *Bus) DeleteMessage(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, msg := range b.messages {
		if msg.ID == id {
			b.messages = append(b.messages[:i], b.messages[i+1:]...)
			return nil
		}
	}
	return errdefs.NotFoundf("message %s not found", id)
}

// CleanupForAgent removes every message sent by or addressed to the agent.
// Returns the number removed.
func (b *Bus) CleanupForAgent(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.messages[:0]
	removed := 0
	for _, msg := range b.messages {
		if msg.From == agentID || msg.To == agentID {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	b.messages = kept
	return removed
}

// Len reports the current backlog size.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// Subscribe registers a listener; the returned function removes it.
func (b *Bus) Subscribe(l Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// String implements fmt.Stringer for debug logging.
func (b *Bus) String() string {
	return fmt.Sprintf("messagebus(len=%d)", b.Len())
}
