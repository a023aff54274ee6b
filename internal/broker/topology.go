// Package broker realizes the AMQP 0-9-1-shaped topology of §3.5 over
// hibiken/asynq (Redis-backed), the teacher's own broker dependency
// (internal/worker/{tasks,server}.go). Each named queue of §3.5 is an
// asynq queue; the "quarantine", "delivery", and "delayed-deferred"
// exchanges are routing helpers that pick a destination queue from a
// routing key, and the delayed-deferred exchange's x-delay maps onto
// asynq's ProcessIn option.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/relaymta/relaymta/internal/stagectx"
)

// Fixed queue names of §3.5.
const (
	QueueToWorking = "to-working"
	QueueDead      = "dead"
	QueueDSN       = "dsn"
	QueueNoRoute   = "no-route"
)

// deliveryQueue returns the "delivery-{route}" queue name.
func deliveryQueue(route string) string { return "delivery-" + route }

// deferredQueue returns the "deferred-{route}" queue name.
func deferredQueue(route string) string { return "deferred-" + route }

// Task type names, asynq's per-message-kind dispatch key, mirroring the
// teacher's worker/tasks.go constant block.
const (
	TaskCtxReceived = "broker:ctx_received"
	TaskCtxDelivery = "broker:ctx_delivery"
)

// Client publishes payloads onto the topology. It wraps *asynq.Client,
// the teacher's own enqueue handle (internal/smtp/backend.go,
// internal/worker/email_handler.go).
type Client struct {
	asynq *asynq.Client
}

// NewClient wraps an asynq client already configured with Redis
// connection options (internal/config provides those).
func NewClient(c *asynq.Client) *Client { return &Client{asynq: c} }

// PublishResult mirrors a publisher-confirm: it tells the caller whether
// the message landed in its destination queue, or was demoted to
// no-route, per §5 ("A returned message with NOROUTE demotes to the
// no-route queue").
type PublishResult struct {
	Queue     string
	NoRoute   bool
	TaskID    string
}

// PublishToWorking publishes an accepted CtxReceived to the to-working
// queue (§4.6.1 "Receiver → publishes CtxReceived to to-working").
func (c *Client) PublishToWorking(ctx context.Context, payload CtxReceivedPayload) (PublishResult, error) {
	return c.publish(ctx, TaskCtxReceived, payload, QueueToWorking, nil)
}

// PublishQuarantine publishes to the quarantine exchange with routing
// key rule.{name} realized as a dedicated queue name, per §3.5.
func (c *Client) PublishQuarantine(ctx context.Context, ruleName string, payload any) (PublishResult, error) {
	queue := "quarantine-" + ruleName
	return c.publish(ctx, TaskCtxReceived, payload, queue, nil)
}

// PublishNoRoute demotes a message whose destination topology has no
// route, per the Open-Question resolution in DESIGN.md.
func (c *Client) PublishNoRoute(ctx context.Context, payload any) (PublishResult, error) {
	return c.publish(ctx, TaskCtxReceived, payload, QueueNoRoute, nil)
}

// PublishDelivery publishes a CtxDelivery bucket to the delivery
// exchange with routing key = route name (§4.6.1 "Working service").
func (c *Client) PublishDelivery(ctx context.Context, route string, payload CtxDeliveryPayload) (PublishResult, error) {
	return c.publish(ctx, TaskCtxDelivery, payload, deliveryQueue(route), nil)
}

// PublishDeferred republishes via the delayed-deferred exchange with
// x-delay = delay (§4.6.3 "Delayed"). asynq.ProcessIn realizes the
// delayed-message extension the spec requires.
func (c *Client) PublishDeferred(ctx context.Context, route string, payload CtxDeliveryPayload, delay time.Duration) (PublishResult, error) {
	opts := []asynq.Option{asynq.ProcessIn(delay), asynq.Queue(deferredQueue(route))}
	return c.publishRaw(ctx, TaskCtxDelivery, payload, deferredQueue(route), opts)
}

// PublishDead moves an exhausted-retries message to the dead queue via
// the quarantine exchange (§4.6.3 "Dead").
func (c *Client) PublishDead(ctx context.Context, payload CtxDeliveryPayload) (PublishResult, error) {
	return c.publish(ctx, TaskCtxDelivery, payload, QueueDead, nil)
}

// PublishDSN publishes to the dsn queue for the DSN-composer worker.
func (c *Client) PublishDSN(ctx context.Context, payload CtxDeliveryPayload) (PublishResult, error) {
	return c.publish(ctx, TaskCtxDelivery, payload, QueueDSN, nil)
}

func (c *Client) publish(ctx context.Context, taskType string, payload any, queue string, extraOpts []asynq.Option) (PublishResult, error) {
	opts := append([]asynq.Option{asynq.Queue(queue)}, extraOpts...)
	return c.publishRaw(ctx, taskType, payload, queue, opts)
}

func (c *Client) publishRaw(ctx context.Context, taskType string, payload any, queue string, opts []asynq.Option) (PublishResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return PublishResult{}, fmt.Errorf("broker: marshaling payload: %w", err)
	}
	task := asynq.NewTask(taskType, body, opts...)

	info, err := c.asynq.EnqueueContext(ctx, task)
	if err != nil {
		if isUnroutable(err) && queue != QueueNoRoute {
			// NOROUTE: demote to the no-route queue (§5).
			demoted := asynq.NewTask(taskType, body, asynq.Queue(QueueNoRoute))
			if nrInfo, nrErr := c.asynq.EnqueueContext(ctx, demoted); nrErr == nil {
				return PublishResult{Queue: QueueNoRoute, NoRoute: true, TaskID: nrInfo.ID}, nil
			}
		}
		// Per §5/§7: a publish failure is fatal for the current handler;
		// the caller's connection/task should end rather than retry here.
		return PublishResult{Queue: queue, NoRoute: isUnroutable(err)}, fmt.Errorf("broker: enqueue to %s: %w", queue, err)
	}
	return PublishResult{Queue: queue, TaskID: info.ID}, nil
}

// isUnroutable reports whether err indicates the destination queue does
// not exist on this asynq server set, the closest equivalent to an AMQP
// NOROUTE return (§5, §9 Open Question 1).
func isUnroutable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "queue not found")
}

// CtxReceivedPayload is the JSON wire shape of a CtxReceived message
// (§3.5 "A message payload is a JSON-serialized CtxReceived").
type CtxReceivedPayload struct {
	ConnectUUID string `json:"connect_uuid"`
	MessageUUID string `json:"message_uuid"`
	Helo        string `json:"helo"`
	MailFrom    *string `json:"mail_from"`
	Routes      map[string][]stagectx.Recipient `json:"routes"`
	RawMessage  []byte `json:"raw_message"`
}

// CtxDeliveryPayload is the JSON wire shape of a CtxDelivery message
// (§4.6.2). RcptTo keeps the full stagectx.Recipient (not just the
// address) so each recipient's NOTIFY preference survives the broker
// boundary into the delivery and dsncomposer binaries (§8's "a
// recipient with notify_on = Never never causes a DSN" invariant needs
// the real preference, not a fabricated default).
type CtxDeliveryPayload struct {
	UUID       string               `json:"uuid"`
	RoutingKey string               `json:"routing_key"`
	MailFrom   *string              `json:"mail_from"`
	RcptTo     []stagectx.Recipient `json:"rcpt_to"`
	RawMessage []byte               `json:"raw_message"`
	Attempts   []byte               `json:"attempts"` // JSON-encoded []delivery.Attempt, kept opaque here to avoid an import cycle
}
