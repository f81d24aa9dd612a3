package notify

import (
	"context"
	"fmt"

	"github.com/mtzanidakis/foreman/internal/natsbus"
)

// Publisher is the part of natsbus.Client the NATS notifier uses.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// NATS publishes events as JSON on events.task.<id> and
// events.workflow.<id>.
type NATS struct {
	pub Publisher
}

func NewNATS(pub Publisher) *NATS {
	return &NATS{pub: pub}
}

func (n *NATS) Notify(_ context.Context, ev Event) error {
	topic := natsbus.TopicEventsWorkflow(ev.WorkflowID)
	if ev.Type != WorkflowFinished {
		topic = natsbus.TopicEventsTask(ev.TaskID)
	}
	if err := n.pub.PublishJSON(topic, ev); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}
