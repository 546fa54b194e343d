// Package natsutil provides typed NATS publish/subscribe helpers with
// OpenTelemetry trace propagation, and a consumer that retries failed
// messages before parking them on a dead-letter subject.
package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// RetryHeader carries the number of failed deliveries of a message.
const RetryHeader = "X-Retry-Count"

// Publisher is the subset of *nats.Conn used to publish.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// headerCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// NewMsg serializes v as JSON into a message for subject, with the trace
// context of ctx injected into its headers.
func NewMsg[T any](ctx context.Context, subject string, v T) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*headerCarrier)(msg))
	return msg, nil
}

// Publish serializes v as JSON and publishes it to subject.
func Publish[T any](ctx context.Context, p Publisher, subject string, v T) error {
	msg, err := NewMsg(ctx, subject, v)
	if err != nil {
		return err
	}
	return p.PublishMsg(msg)
}

// Subscribe registers a handler that deserializes JSON messages of type T.
// Malformed messages are dropped.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			return
		}
		handler(Extract(msg), v)
	})
}

// Extract returns a background context carrying the trace context of msg.
func Extract(msg *nats.Msg) context.Context {
	return otel.GetTextMapPropagator().Extract(context.Background(), (*headerCarrier)(msg))
}

// Retries reads the retry header of msg.
func Retries(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(RetryHeader))
	if err != nil {
		return 0
	}
	return n
}

// DeadLetter is published to the dead-letter subject after the last retry.
type DeadLetter[T any] struct {
	Subject string `json:"subject"`
	Payload T      `json:"payload"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// Consumer settings for SubscribeRetry.
type Consumer struct {
	Subject    string
	DLQSubject string
	MaxRetries int
	Logger     *slog.Logger
}

// ErrPermanent marks a handler error that must not be retried.
var ErrPermanent = errors.New("permanent failure")

// SubscribeRetry registers handler on c.Subject. A failing message is
// republished with an incremented retry header until MaxRetries deliveries
// have failed, then published to DLQSubject as a DeadLetter. Errors wrapping
// ErrPermanent skip the retries. Malformed messages go straight to the DLQ
// as raw JSON.
func SubscribeRetry[T any](nc *nats.Conn, c Consumer, handler func(context.Context, T) error) (*nats.Subscription, error) {
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	return nc.Subscribe(c.Subject, func(msg *nats.Msg) {
		HandleRetry(nc, c, log, msg, handler)
	})
}

// HandleRetry processes one delivery the way SubscribeRetry does.
func HandleRetry[T any](p Publisher, c Consumer, log *slog.Logger, msg *nats.Msg, handler func(context.Context, T) error) {
	ctx := Extract(msg)
	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		log.Error("natsutil: malformed message", "subject", c.Subject, "err", err)
		dead := DeadLetter[json.RawMessage]{Subject: c.Subject, Payload: rawOrNull(msg.Data), Error: err.Error()}
		publishDead(ctx, p, c, log, dead)
		return
	}

	err := handler(ctx, v)
	if err == nil {
		return
	}
	retries := Retries(msg) + 1
	log.Error("natsutil: handler failed", "subject", c.Subject, "retry", retries, "err", err)

	if retries >= c.MaxRetries || errors.Is(err, ErrPermanent) {
		publishDead(ctx, p, c, log, DeadLetter[T]{Subject: c.Subject, Payload: v, Error: err.Error(), Retries: retries})
		return
	}
	again := nats.NewMsg(c.Subject)
	again.Data = msg.Data
	again.Header = nats.Header{}
	for k, vals := range msg.Header {
		again.Header[k] = vals
	}
	again.Header.Set(RetryHeader, strconv.Itoa(retries))
	if err := p.PublishMsg(again); err != nil {
		log.Error("natsutil: retry publish failed", "subject", c.Subject, "err", err)
	}
}

func publishDead[T any](ctx context.Context, p Publisher, c Consumer, log *slog.Logger, dead DeadLetter[T]) {
	if c.DLQSubject == "" {
		return
	}
	if err := Publish(ctx, p, c.DLQSubject, dead); err != nil {
		log.Error("natsutil: DLQ publish failed", "subject", c.DLQSubject, "err", err)
	}
}

func rawOrNull(b []byte) json.RawMessage {
	if json.Valid(b) {
		return b
	}
	q, _ := json.Marshal(string(b))
	return q
}
