// Package events carries execution lifecycle notifications between the
// orchestrator and in-process listeners such as metrics.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"funnel-automation/backend/pkg/models"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	log "github.com/sirupsen/logrus"
)

// TransitionTopic is the topic execution state changes are published on.
const TransitionTopic = "executions.transitions"

// Transition records one execution status change.
type Transition struct {
	ExecutionID     string                 `json:"execution_id"`
	WorkflowID      string                 `json:"workflow_id"`
	TenantID        string                 `json:"tenant_id"`
	From            models.ExecutionStatus `json:"from,omitempty"`
	To              models.ExecutionStatus `json:"to"`
	At              time.Time              `json:"at"`
	DurationSeconds float64                `json:"duration_seconds,omitempty"`
	TestMode        bool                   `json:"test_mode"`
}

// Handler reacts to a transition.
type Handler func(ctx context.Context, t Transition)

// Bus is an in-process pub/sub for transitions.
type Bus struct {
	pubSub *gochannel.GoChannel
	logger log.FieldLogger

	mu       sync.RWMutex
	handlers []Handler
	wg       sync.WaitGroup
}

// NewBus creates a Bus. Publishing never blocks on slow handlers. A nil
// logger uses the logrus standard logger.
func NewBus(logger log.FieldLogger) *Bus {
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg := gochannel.Config{
		OutputChannelBuffer:            100,
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}
	return &Bus{
		pubSub: gochannel.NewGoChannel(cfg, watermill.NopLogger{}),
		logger: logger.WithField("module", "events"),
	}
}

// Subscribe registers handlers. Call before Boot.
func (b *Bus) Subscribe(handlers ...Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handlers...)
}

// Boot starts delivering transitions to subscribed handlers until ctx is
// done or the bus is closed.
func (b *Bus) Boot(ctx context.Context) error {
	msgCh, err := b.pubSub.Subscribe(ctx, TransitionTopic)
	if err != nil {
		return err
	}
	b.wg.Add(1)
	go b.loop(ctx, msgCh)
	b.logger.Debug("event bus booted")
	return nil
}

// Publish sends a transition to subscribers.
func (b *Bus) Publish(ctx context.Context, t Transition) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.SetContext(ctx)
	return b.pubSub.Publish(TransitionTopic, msg)
}

// Close stops delivery and waits for the delivery loop to exit.
func (b *Bus) Close() error {
	err := b.pubSub.Close()
	b.wg.Wait()
	return err
}

func (b *Bus) loop(ctx context.Context, msgCh <-chan *message.Message) {
	defer b.wg.Done()
	for msg := range msgCh {
		var t Transition
		if err := json.Unmarshal(msg.Payload, &t); err != nil {
			b.logger.WithError(err).Warnf("dropping malformed event %s", msg.UUID)
			msg.Ack()
			continue
		}

		b.mu.RLock()
		handlers := b.handlers
		b.mu.RUnlock()
		for _, h := range handlers {
			h(ctx, t)
		}
		msg.Ack()
	}
	b.logger.Debug("event loop exited")
}
