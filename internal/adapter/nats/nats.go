// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/auditrt/internal/config"
	"github.com/Strob0t/auditrt/internal/logger"
	"github.com/Strob0t/auditrt/internal/port/messagequeue"
)

const (
	headerRequestID  = "X-Request-ID"
	headerRetryCount = "Retry-Count"
	maxRetries       = 3
	streamMaxAge     = 24 * time.Hour
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	log    *slog.Logger
}

var _ messagequeue.Queue = (*Queue)(nil)

// Connect establishes a connection to NATS and ensures the JetStream stream
// exists for the event and control subjects.
func Connect(ctx context.Context, cfg config.NATS, log *slog.Logger) (*Queue, error) {
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("auditrt"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = messagequeue.SubjectEvents
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{prefix + ".>", "audit.control.>"},
		MaxAge:   streamMaxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	log.Info("nats connected", "url", cfg.URL, "stream", cfg.Stream)
	return &Queue{nc: nc, js: js, stream: cfg.Stream, log: log}, nil
}

// Publish sends a message to the given subject. The request ID of ctx, if
// any, travels in a header.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(headerRequestID, id)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for new messages on the given subject.
// Messages failing validation go straight to <subject>.dlq; handler failures
// are republished with an incremented Retry-Count until maxRetries.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(ctx, msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// disposition is what happens to a delivered message once it was processed.
type disposition int

const (
	dispAck disposition = iota
	dispRetry
	dispDLQ
)

// dispose validates a delivered message and runs handler on it. Messages that
// fail validation never reach the handler. attempt is the Retry-Count the
// message carried.
func dispose(ctx context.Context, subject string, data []byte, hdrs nats.Header, handler messagequeue.Handler) (d disposition, attempt int, err error) {
	if id := hdrs.Get(headerRequestID); id != "" {
		ctx = logger.WithRequestID(ctx, id)
	}
	if err := messagequeue.Validate(subject, data); err != nil {
		return dispDLQ, 0, err
	}
	if err := handler(ctx, subject, data); err != nil {
		attempt = retryCount(hdrs)
		if attempt >= maxRetries {
			return dispDLQ, attempt, err
		}
		return dispRetry, attempt, err
	}
	return dispAck, 0, nil
}

// retryMsg copies msg for redelivery with Retry-Count set to attempt+1.
func retryMsg(subject string, data []byte, hdrs nats.Header, attempt int) *nats.Msg {
	retry := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	for k, v := range hdrs {
		retry.Header[k] = v
	}
	retry.Header.Set(headerRetryCount, strconv.Itoa(attempt+1))
	return retry
}

func (q *Queue) handle(ctx context.Context, msg jetstream.Msg, handler messagequeue.Handler) {
	hdrs := msg.Headers()
	msgCtx := ctx
	if id := hdrs.Get(headerRequestID); id != "" {
		msgCtx = logger.WithRequestID(ctx, id)
	}

	d, attempt, err := dispose(ctx, msg.Subject(), msg.Data(), hdrs, handler)
	switch d {
	case dispDLQ:
		if attempt == 0 {
			q.log.Warn("message failed validation", "subject", msg.Subject(), "error", err)
		} else {
			q.log.Error("message handler failed", "subject", msg.Subject(), "attempt", attempt+1, "error", err)
		}
		q.moveToDLQ(msgCtx, msg)
		return
	case dispRetry:
		q.log.Error("message handler failed", "subject", msg.Subject(), "attempt", attempt+1, "error", err)
		if _, pubErr := q.js.PublishMsg(msgCtx, retryMsg(msg.Subject(), msg.Data(), hdrs, attempt)); pubErr != nil {
			q.log.Error("nats retry publish failed", "error", pubErr)
			if nakErr := msg.Nak(); nakErr != nil {
				q.log.Error("nats nak failed", "error", nakErr)
			}
			return
		}
	}
	if ackErr := msg.Ack(); ackErr != nil {
		q.log.Error("nats ack failed", "error", ackErr)
	}
}

func (q *Queue) moveToDLQ(ctx context.Context, msg jetstream.Msg) {
	dlq := &nats.Msg{Subject: msg.Subject() + messagequeue.DLQSuffix, Data: msg.Data(), Header: msg.Headers()}
	if _, err := q.js.PublishMsg(ctx, dlq); err != nil {
		q.log.Error("nats dlq publish failed", "subject", dlq.Subject, "error", err)
		_ = msg.Nak()
		return
	}
	if err := msg.Ack(); err != nil {
		q.log.Error("nats ack failed", "error", err)
	}
}

func retryCount(h nats.Header) int {
	n, err := strconv.Atoi(h.Get(headerRetryCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// KeyValue returns the named JetStream key-value bucket, creating it with the
// given TTL when missing.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("nats kv %s: %w", bucket, err)
	}
	kv, err = q.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket, TTL: ttl})
	if err != nil {
		return nil, fmt.Errorf("nats kv create %s: %w", bucket, err)
	}
	return kv, nil
}

// Drain gracefully drains subscriptions and closes the connection.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the connection is currently up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}
