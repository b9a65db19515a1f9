// Package autodeliver bridges the message bus and the supervisor: posted
// messages reach their recipient as soon as the agent can take a prompt,
// either immediately on post or when the agent next goes idle.
package autodeliver

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/models"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/messagebus"
)

// DefaultSettleDelay gives the previous child time to fully exit before the
// idle-triggered respawn.
const DefaultSettleDelay = 250 * time.Millisecond

// AgentRunner is the supervisor surface needed for delivery.
type AgentRunner interface {
	CanDeliver(id string) bool
	DeliveryDone(id string)
	CanInterrupt(id string) bool
	Message(id, prompt string, maxTurns int, targetSessionID string) error
	Get(id string) (*models.Agent, bool)
	OnIdle(fn func(agentID string)) func()
}

// KillSwitch gates idle-triggered deliveries.
type KillSwitch interface {
	IsKilled() bool
}

// Deliverer owns both delivery triggers.
type Deliverer struct {
	sup      AgentRunner
	bus      *messagebus.Bus
	ksw      KillSwitch
	settle   time.Duration
	maxTurns int
	logger   *logger.Logger

	mu      sync.Mutex
	unsubs  []func()
	started bool
	wg      sync.WaitGroup
}

// New wires a deliverer. settle <= 0 uses DefaultSettleDelay.
func New(sup AgentRunner, bus *messagebus.Bus, ksw KillSwitch, settle time.Duration, maxTurns int, log *logger.Logger) *Deliverer {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	return &Deliverer{
		sup:      sup,
		bus:      bus,
		ksw:      ksw,
		settle:   settle,
		maxTurns: maxTurns,
		logger:   log.WithFields(zap.String("component", "autodeliver")),
	}
}

// Start attaches both triggers. Idempotent.
func (d *Deliverer) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.unsubs = append(d.unsubs,
		d.bus.Subscribe(d.onPost),
		d.sup.OnIdle(d.onIdle),
	)
}

// Stop detaches the triggers and waits for in-flight deliveries.
func (d *Deliverer) Stop() {
	d.mu.Lock()
	unsubs := d.unsubs
	d.unsubs = nil
	d.started = false
	d.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	d.wg.Wait()
}

// onPost runs synchronously on every bus post. The actual Message call is
// moved to a goroutine because it takes the agent's lifecycle lock.
func (d *Deliverer) onPost(msg *messagebus.Message) {
	if msg.To == "" || msg.Type == messagebus.TypeStatus {
		return
	}

	if msg.Type == messagebus.TypeInterrupt && d.sup.CanInterrupt(msg.To) {
		if err := d.bus.MarkRead(msg.ID, msg.To); err != nil {
			return
		}
		prompt := fmt.Sprintf("[INTERRUPT from %s]\n\n%s", senderLabel(msg), msg.Content)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.sup.Message(msg.To, prompt, d.maxTurns, ""); err != nil {
				d.logger.Warn("interrupt delivery failed",
					zap.String("agent_id", msg.To),
					zap.String("message_id", msg.ID),
					zap.Error(err))
			}
		}()
		return
	}

	if !d.sup.CanDeliver(msg.To) {
		return
	}
	if err := d.bus.MarkRead(msg.ID, msg.To); err != nil {
		d.sup.DeliveryDone(msg.To)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sup.DeliveryDone(msg.To)
		if err := d.sup.Message(msg.To, deliveryPrompt(msg), d.maxTurns, ""); err != nil {
			d.logger.Warn("delivery failed",
				zap.String("agent_id", msg.To),
				zap.String("message_id", msg.ID),
				zap.Error(err))
		}
	}()
}

// onIdle schedules a delivery attempt once the old process has settled.
func (d *Deliverer) onIdle(agentID string) {
	d.wg.Add(1)
	time.AfterFunc(d.settle, func() {
		defer d.wg.Done()
		d.deliverOldestUnread(agentID)
	})
}

func (d *Deliverer) deliverOldestUnread(agentID string) {
	if d.ksw.IsKilled() {
		return
	}
	if !d.sup.CanDeliver(agentID) {
		return
	}
	delivered := false
	defer func() {
		if !delivered {
			d.sup.DeliveryDone(agentID)
		}
	}()

	role := ""
	if agent, ok := d.sup.Get(agentID); ok {
		role = agent.Role
	}
	msg := d.oldestActionable(agentID, role)
	if msg == nil {
		return
	}
	if err := d.bus.MarkRead(msg.ID, agentID); err != nil {
		return
	}
	delivered = true
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sup.DeliveryDone(agentID)
		if err := d.sup.Message(agentID, deliveryPrompt(msg), d.maxTurns, ""); err != nil {
			d.logger.Warn("idle delivery failed",
				zap.String("agent_id", agentID),
				zap.String("message_id", msg.ID),
				zap.Error(err))
		}
	}()
}

// oldestActionable returns the oldest unread non-status message visible to
// the agent, or nil.
func (d *Deliverer) oldestActionable(agentID, role string) *messagebus.Message {
	msgs := d.bus.Query(messagebus.Query{
		To:        agentID,
		AgentRole: role,
		UnreadBy:  agentID,
	})
	for _, msg := range msgs {
		if msg.Type == messagebus.TypeStatus {
			continue
		}
		return msg
	}
	return nil
}

func senderLabel(msg *messagebus.Message) string {
	if msg.FromName != "" {
		return msg.FromName
	}
	return msg.From
}

func deliveryPrompt(msg *messagebus.Message) string {
	return fmt.Sprintf("[%s message from %s]\n\n%s", msg.Type, senderLabel(msg), msg.Content)
}
