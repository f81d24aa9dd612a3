package natsbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Client is one component's connection to the bus. Besides raw publishing
// it knows the event stream and the workflow run request subjects.
type Client struct {
	conn *nats.Conn
	name string
}

// NewClient connects to the embedded bus. name shows up as the connection
// name in server logs.
func NewClient(bus *Bus, name string) (*Client, error) {
	return NewClientFromURL(bus.ClientURL(), name)
}

func NewClientFromURL(url, name string) (*Client, error) {
	conn, err := nats.Connect(url,
		nats.Name("foreman-"+name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "client", name, "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "client", name, "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn, name: name}, nil
}

func (c *Client) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(topic, data)
}

// SubscribeEvents calls handler for every message published under events.>.
// Handlers run on the subscription's goroutine, one at a time.
func (c *Client) SubscribeEvents(handler func(topic string, data []byte)) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(TopicEventsAll, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", TopicEventsAll, err)
	}
	return sub, nil
}

// RunRequest asks for a configured workflow to be run.
type RunRequest struct {
	Workflow string
	msg      *nats.Msg
}

// Reply sends v as JSON to the requester. It does nothing when the request
// was a plain publish with no reply subject.
func (r RunRequest) Reply(v any) error {
	if r.msg == nil || r.msg.Reply == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}
	return r.msg.Respond(data)
}

// HandleWorkflowRuns subscribes to foreman.workflow.*.run. Subjects that do
// not name a workflow are dropped.
func (c *Client) HandleWorkflowRuns(handler func(RunRequest)) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(TopicWorkflowRunAll, func(msg *nats.Msg) {
		name, ok := WorkflowFromRunTopic(msg.Subject)
		if !ok {
			slog.Warn("ignoring malformed run request", "client", c.name, "topic", msg.Subject)
			return
		}
		handler(RunRequest{Workflow: name, msg: msg})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", TopicWorkflowRunAll, err)
	}
	return sub, nil
}

// RequestWorkflowRun asks a serving foreman to run the named workflow and
// decodes its JSON reply into out.
func (c *Client) RequestWorkflowRun(name string, timeout time.Duration, out any) error {
	msg, err := c.conn.Request(TopicWorkflowRun(name), nil, timeout)
	if errors.Is(err, nats.ErrNoResponders) {
		return fmt.Errorf("no foreman is serving workflow runs: %w", err)
	}
	if err != nil {
		return fmt.Errorf("request workflow %s: %w", name, err)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

func (c *Client) Flush() error {
	return c.conn.FlushTimeout(2 * time.Second)
}

func (c *Client) Close() {
	c.conn.Close()
}
