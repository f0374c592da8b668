// Package broker delivers typed, priority-ordered messages between agents.
//
// Messages enter a bounded priority queue. A dispatcher drains the queue in
// priority order and hands each message to a worker chosen by recipient
// hash, which keeps per-recipient delivery in send order while still
// spreading load across the pool.
package broker

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noxlabs/nox/internal/broker/protocol"
	"github.com/noxlabs/nox/internal/common/config"
	"github.com/noxlabs/nox/internal/common/errdefs"
	"github.com/noxlabs/nox/internal/common/logger"
	"github.com/noxlabs/nox/internal/common/tracing"
	"github.com/noxlabs/nox/internal/events"
	"github.com/noxlabs/nox/internal/events/bus"
	"github.com/noxlabs/nox/internal/registry"
	v1 "github.com/noxlabs/nox/pkg/api/v1"
)

// Deliverer pushes a message into a running agent subprocess.
type Deliverer interface {
	Deliver(ctx context.Context, agentID string, msg *v1.Message) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, agentID string, msg *v1.Message) error

// Deliver implements Deliverer.
func (f DelivererFunc) Deliver(ctx context.Context, agentID string, msg *v1.Message) error {
	return f(ctx, agentID, msg)
}

// workerBuffer is the per-worker mailbox between dispatcher and worker.
const workerBuffer = 64

// Broker is the message delivery service.
type Broker struct {
	cfg       config.BrokerConfig
	logger    *logger.Logger
	eventBus  bus.EventBus
	store     *registry.Store
	protocols *protocol.Registry
	deliverer Deliverer

	queue   *priorityQueue
	subs    *subscriptionTable
	history *historyCache

	mailboxes []chan *v1.Message
	group     *errgroup.Group
	cancel    context.CancelFunc
	started   bool
	mu        sync.Mutex
}

// New creates a broker. Call Start to launch the worker pool.
func New(cfg config.BrokerConfig, store *registry.Store, protocols *protocol.Registry, deliverer Deliverer, eventBus bus.EventBus, log *logger.Logger) *Broker {
	return &Broker{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "broker")),
		eventBus:  eventBus,
		store:     store,
		protocols: protocols,
		deliverer: deliverer,
		queue:     newPriorityQueue(cfg.QueueSize),
		subs:      newSubscriptionTable(),
		history:   newHistoryCache(cfg.HistoryPerAgent),
	}
}

// Start launches the dispatcher and worker pool.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errdefs.Conflict("broker already started")
	}
	b.started = true

	ctx, b.cancel = context.WithCancel(ctx)
	b.group, ctx = errgroup.WithContext(ctx)

	b.mailboxes = make([]chan *v1.Message, b.cfg.Workers)
	for i := range b.mailboxes {
		b.mailboxes[i] = make(chan *v1.Message, workerBuffer)
		mailbox := b.mailboxes[i]
		b.group.Go(func() error {
			b.workerLoop(ctx, mailbox)
			return nil
		})
	}
	b.group.Go(func() error {
		b.dispatchLoop(ctx)
		return nil
	})

	b.logger.Info("Broker started",
		zap.Int("workers", b.cfg.Workers),
		zap.Int("queue_size", b.cfg.QueueSize))
	return nil
}

// Shutdown stops accepting messages, drains workers and waits for them.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	b.mu.Unlock()

	b.queue.close()
	b.cancel()
	_ = b.group.Wait()
	b.logger.Info("Broker stopped")
}

// SendMessage validates and enqueues a message, assigning its identity.
// A full queue fails immediately; nothing is dropped silently.
func (b *Broker) SendMessage(ctx context.Context, req *v1.SendMessageRequest) (*v1.Message, error) {
	msg := &v1.Message{
		ID:        uuid.New().String(),
		From:      req.From,
		To:        req.To,
		Type:      req.Type,
		Content:   req.Content,
		Priority:  req.Priority,
		Timestamp: time.Now().UTC(),
		Metadata:  req.Metadata,
	}
	if msg.Priority == "" {
		msg.Priority = v1.PriorityMedium
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if err := b.enqueue(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (b *Broker) enqueue(ctx context.Context, msg *v1.Message) error {
	if err := b.queue.push(msg); err != nil {
		return err
	}
	b.publish(ctx, events.MessageEnqueued, map[string]interface{}{
		"message_id": msg.ID,
		"from":       msg.From,
		"to":         msg.To,
		"type":       string(msg.Type),
		"priority":   string(msg.Priority),
	})
	return nil
}

// QueueLength reports the number of queued, undispatched messages.
func (b *Broker) QueueLength() int {
	return b.queue.len()
}

// Subscribe records an agent's delivery filter. Re-subscribing replaces the
// previous filter.
func (b *Broker) Subscribe(agentID string, filter *Filter) {
	b.subs.set(agentID, filter)
	b.persistTopology()
}

// Unsubscribe drops all subscriptions for the agent.
func (b *Broker) Unsubscribe(agentID string) {
	b.subs.drop(agentID)
	b.history.drop(agentID)
	b.persistTopology()
}

// dispatchLoop drains the priority queue and routes each message to the
// worker owning its recipient.
func (b *Broker) dispatchLoop(ctx context.Context) {
	for {
		msg := b.queue.pop()
		if msg == nil {
			// queue closed; let workers drain their mailboxes
			for _, mailbox := range b.mailboxes {
				close(mailbox)
			}
			return
		}
		mailbox := b.mailboxes[b.workerFor(msg.To)]
		select {
		case mailbox <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broker) workerFor(recipient string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(recipient))
	return int(h.Sum32()) % len(b.mailboxes)
}

func (b *Broker) workerLoop(ctx context.Context, mailbox <-chan *v1.Message) {
	for {
		select {
		case msg, ok := <-mailbox:
			if !ok {
				return
			}
			b.process(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// process delivers one message to completion: resolve recipients, deliver,
// record history, then give the protocol chain a chance to reply.
func (b *Broker) process(ctx context.Context, msg *v1.Message) {
	recipients := b.resolveRecipients(msg)
	if len(recipients) == 0 {
		b.record(ctx, msg, v1.DeliveryUndelivered, msg.To)
		return
	}

	for _, agentID := range recipients {
		dctx, span := tracing.TraceDeliver(ctx, msg.ID, msg.From, agentID)
		err := b.deliverer.Deliver(dctx, agentID, msg)
		tracing.RecordResult(span, err)
		span.End()

		if err != nil {
			b.logger.Debug("Message undeliverable",
				zap.String("message_id", msg.ID),
				zap.String("to", agentID),
				zap.Error(err))
			b.record(ctx, msg, v1.DeliveryUndelivered, agentID)
			continue
		}
		b.record(ctx, msg, v1.DeliveryDelivered, agentID)

		// the protocol chain answers on behalf of each actual recipient
		routed := msg
		if msg.To != agentID {
			routed = msg.Clone()
			routed.To = agentID
		}
		b.routeReply(ctx, routed)
	}
}

// resolveRecipients applies subscription semantics: a direct message
// reaches its addressee if the agent exists and its filter (when set)
// matches; a broadcast reaches every explicitly subscribed agent whose
// filter matches.
func (b *Broker) resolveRecipients(msg *v1.Message) []string {
	if msg.To == v1.Broadcast {
		return b.subs.matching(msg)
	}

	if _, err := b.store.GetAgent(msg.To); err != nil {
		return nil
	}
	if filter, ok := b.subs.get(msg.To); ok && !filter.Matches(msg) {
		return nil
	}
	return []string{msg.To}
}

// routeReply runs the protocol chain; a produced reply is re-enqueued as a
// fresh message tagged with replyTo.
func (b *Broker) routeReply(ctx context.Context, msg *v1.Message) {
	handler, ok := b.protocols.Route(msg)
	if !ok {
		return
	}

	reply, err := handler.Handle(ctx, msg)
	if err != nil {
		b.logger.Warn("Protocol handler failed",
			zap.String("handler", handler.Name()),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return
	}
	if reply == nil {
		return
	}

	reply.ID = uuid.New().String()
	reply.Timestamp = time.Now().UTC()
	reply.ReplyTo = msg.ID
	if reply.Metadata == nil {
		reply.Metadata = map[string]string{}
	}
	reply.Metadata[protocol.MetaReplyTo] = msg.ID
	if reply.Priority == "" {
		reply.Priority = msg.Priority
	}

	if err := b.enqueue(ctx, reply); err != nil {
		b.logger.Warn("Failed to enqueue protocol reply",
			zap.String("handler", handler.Name()),
			zap.String("in_reply_to", msg.ID),
			zap.Error(err))
	}
}

// record appends a history entry both to the in-memory ring and the
// persistent daily segment, then publishes the delivery outcome.
func (b *Broker) record(ctx context.Context, msg *v1.Message, status v1.DeliveryStatus, recipient string) {
	entry := &v1.HistoryEntry{Message: msg.Clone(), Status: status}
	entry.Message.To = recipient

	b.history.append(msg.From, entry)
	if recipient != msg.From {
		b.history.append(recipient, entry)
	}
	if err := b.store.AppendMessage(entry); err != nil {
		b.logger.Error("Failed to persist message history",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}

	eventType := events.MessageDelivered
	if status == v1.DeliveryUndelivered {
		eventType = events.MessageFailed
	}
	b.publish(ctx, eventType, map[string]interface{}{
		"message_id": msg.ID,
		"from":       msg.From,
		"to":         recipient,
		"type":       string(msg.Type),
		"status":     string(status),
	})
}

// GetMessageHistory returns up to limit entries for the agent, newest first
// by default, chronological when asked.
func (b *Broker) GetMessageHistory(agentID string, limit int, chronological bool) []*v1.HistoryEntry {
	entries := b.history.get(agentID, limit)
	if chronological {
		for i, k := 0, len(entries)-1; i < k; i, k = i+1, k-1 {
			entries[i], entries[k] = entries[k], entries[i]
		}
	}
	return entries
}

// LookupDelivered finds a message previously recorded for the agent, used
// to resolve the original sender when the agent replies by message id.
func (b *Broker) LookupDelivered(agentID, messageID string) (*v1.Message, bool) {
	return b.history.lookup(agentID, messageID)
}

// persistTopology saves the subscription table so the collaboration
// topology survives restarts.
func (b *Broker) persistTopology() {
	snapshot := b.subs.snapshot()
	rel := &registry.Relationships{}
	for agentID, filter := range snapshot {
		rel.Subscriptions = append(rel.Subscriptions, registry.SubscriptionRecord{
			AgentID:  agentID,
			Types:    filter.Types,
			Metadata: filter.Metadata,
		})
	}
	if err := b.store.SaveRelationships(rel); err != nil {
		b.logger.Warn("Failed to persist subscription topology", zap.Error(err))
	}
}

// RestoreTopology reloads persisted subscriptions, called once at startup.
func (b *Broker) RestoreTopology() error {
	rel, err := b.store.LoadRelationships()
	if err != nil {
		return err
	}
	for _, sub := range rel.Subscriptions {
		b.subs.set(sub.AgentID, &Filter{Types: sub.Types, Metadata: sub.Metadata})
	}
	return nil
}

func (b *Broker) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, "broker", data)
	if agentID, ok := data["to"].(string); ok {
		event.WithAgent(agentID)
	}
	if err := b.eventBus.Publish(ctx, eventType, event); err != nil {
		b.logger.Debug("Failed to publish broker event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
