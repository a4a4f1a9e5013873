package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"batchsender/internal/observability"
)

const (
	SubjectBatchProcess = "sys.batch.process"

	StreamBatchProcess  = "BATCH_PROCESS"
	StreamUserSend      = "USER_SEND"
	StreamWebhookEvents = "WEBHOOK_EVENTS"
)

// UserSendSubject is the per-user job subject; one durable consumer per
// user drains it.
func UserSendSubject(userID string) string {
	return "email.user." + userID + ".send"
}

// WebhookSubject routes inbound provider callbacks by provider and type.
func WebhookSubject(provider, eventType string) string {
	return "webhook." + provider + "." + eventType
}

type Config struct {
	URL        string
	TLSEnabled bool
	Replicas   int
}

type Queue struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger
	cfg    Config
}

func NewQueue(cfg Config, logger *zap.Logger) (*Queue, error) {
	opts := []nats.Option{
		nats.Name("BatchSender Worker"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))

	return &Queue{conn: conn, js: js, logger: logger, cfg: cfg}, nil
}

// EnsureStreams creates or updates the three work streams. All are
// workqueue-retention; the webhook stream additionally ages out and has
// a 60s dedup window sized to the provider retry cadence.
func (q *Queue) EnsureStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       StreamBatchProcess,
			Subjects:   []string{SubjectBatchProcess},
			Retention:  jetstream.WorkQueuePolicy,
			Replicas:   q.cfg.Replicas,
			Duplicates: 2 * time.Minute,
		},
		{
			Name:       StreamUserSend,
			Subjects:   []string{"email.user.*.send"},
			Retention:  jetstream.WorkQueuePolicy,
			Replicas:   q.cfg.Replicas,
			Duplicates: 2 * time.Minute,
		},
		{
			Name:       StreamWebhookEvents,
			Subjects:   []string{"webhook.>"},
			Retention:  jetstream.WorkQueuePolicy,
			Replicas:   q.cfg.Replicas,
			MaxAge:     24 * time.Hour,
			MaxBytes:   1 << 30,
			Duplicates: 60 * time.Second,
		},
	}

	for _, cfg := range streams {
		if _, err := q.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("failed to ensure stream %s: %w", cfg.Name, err)
		}
		q.logger.Debug("stream ensured", zap.String("stream", cfg.Name))
	}
	return nil
}

// Publish appends a message with queue-level dedup on msgID and trace
// propagation. Returns whether the broker flagged it a duplicate.
func (q *Queue) Publish(ctx context.Context, subject string, payload []byte, msgID, traceID string) (bool, error) {
	msg := &nats.Msg{
		Subject: subject,
		Data:    payload,
		Header:  nats.Header{},
	}
	if traceID != "" {
		msg.Header.Set(observability.TraceHeader, traceID)
	}

	ack, err := q.js.PublishMsg(ctx, msg, jetstream.WithMsgID(msgID))
	if err != nil {
		return false, fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	if ack.Duplicate {
		q.logger.Debug("duplicate publish suppressed",
			zap.String("subject", subject), zap.String("msg_id", msgID))
	}
	return ack.Duplicate, nil
}

// ConsumerOptions sizes a durable pull consumer.
type ConsumerOptions struct {
	Durable       string
	FilterSubject string
	MaxDeliver    int
	MaxAckPending int
	AckWait       time.Duration
}

// Consumer creates or updates a durable pull consumer on a stream.
func (q *Queue) Consumer(ctx context.Context, stream string, opts ConsumerOptions) (jetstream.Consumer, error) {
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = 5
	}
	if opts.MaxAckPending <= 0 {
		opts.MaxAckPending = 1000
	}
	if opts.AckWait <= 0 {
		opts.AckWait = 60 * time.Second
	}

	st, err := q.js.Stream(ctx, stream)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", stream, err)
	}

	consumer, err := st.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       opts.Durable,
		FilterSubject: opts.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    opts.MaxDeliver,
		MaxAckPending: opts.MaxAckPending,
		AckWait:       opts.AckWait,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", opts.Durable, err)
	}
	return consumer, nil
}

// TraceID extracts the propagated trace id from a message, minting a new
// one for messages published without it.
func TraceID(msg jetstream.Msg) string {
	if id := msg.Headers().Get(observability.TraceHeader); id != "" {
		return id
	}
	return observability.NewTraceID()
}

// Redeliveries returns the number of deliveries before this one.
func Redeliveries(msg jetstream.Msg) int {
	meta, err := msg.Metadata()
	if err != nil {
		return 0
	}
	return int(meta.NumDelivered) - 1
}

// BatchNakDelay is the orchestrator-level backoff: batches are expensive
// to restart, so delays grow from 5s up to 60s.
func BatchNakDelay(redeliveries int) time.Duration {
	return backoff(5*time.Second, redeliveries, 60*time.Second)
}

// JobNakDelay is the per-recipient job backoff: 1s doubling up to 30s.
func JobNakDelay(redeliveries int) time.Duration {
	return backoff(1*time.Second, redeliveries, 30*time.Second)
}

func backoff(base time.Duration, n int, max time.Duration) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (q *Queue) HealthCheck(ctx context.Context) error {
	if q.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("NATS not connected, status: %v", q.conn.Status())
	}
	return nil
}

func (q *Queue) Close() error {
	q.conn.Close()
	return nil
}
