package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/pkg/natsutil"
)

const (
	// IngestSubject carries items to ingest.
	IngestSubject = "hybrag.ingest"
	// DLQSubject receives messages that failed MaxRetries times.
	DLQSubject = "hybrag.ingest.dlq"
	// MaxRetries before a message is dead-lettered.
	MaxRetries = 3
)

// Message is the wire form of an item on IngestSubject.
type Message struct {
	ID       string `json:"id"`
	Ref      string `json:"ref"`
	Building string `json:"building"`
	ShotDate string `json:"shot_date"`
	Notes    string `json:"notes,omitempty"`
}

// MessageFor converts an item to its wire form.
func MessageFor(item domain.MediaItem) Message {
	return Message{ID: item.ID, Ref: item.Ref, Building: item.Building, ShotDate: item.ShotDateString(), Notes: item.Notes}
}

// Item parses the message into a MediaItem.
func (m Message) Item() (domain.MediaItem, error) {
	shot, err := domain.ParseDate(m.ShotDate)
	if err != nil {
		return domain.MediaItem{}, domain.NewValidationError("shot_date", m.ShotDate, domain.ErrInvalidDate)
	}
	return domain.MediaItem{ID: m.ID, Ref: m.Ref, Building: m.Building, ShotDate: shot, Notes: m.Notes}, nil
}

// DeadLetter is published to DLQSubject.
type DeadLetter struct {
	Message Message `json:"message"`
	Error   string  `json:"error"`
	Retries int     `json:"retries"`
}

// ConsumerOptions configures the NATS consumer.
type ConsumerOptions struct {
	Subject    string
	DLQSubject string
	MaxRetries int
	// Timeout bounds the handling of one message.
	Timeout time.Duration
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	if o.Subject == "" {
		o.Subject = IngestSubject
	}
	if o.DLQSubject == "" {
		o.DLQSubject = DLQSubject
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = MaxRetries
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
	return o
}

// Handle ingests one message. Failures are requeued on the ingest subject
// with an incremented retry header; invalid items and messages that failed
// MaxRetries times go to the dead-letter subject.
func (o *Orchestrator) Handle(ctx context.Context, pub natsutil.Publisher, m Message, raw *nats.Msg, opts ConsumerOptions) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if raw == nil {
		var err error
		if raw, err = natsutil.NewMsg(ctx, opts.Subject, m); err != nil {
			o.log.ErrorContext(ctx, "ingest: encode message", "id", m.ID, "error", err)
			return
		}
	}

	item, err := m.Item()
	if err == nil {
		_, err = o.IngestOne(ctx, item)
	}
	if err == nil {
		ack(raw)
		return
	}

	o.deps.Metrics.IngestFailed()
	retries := natsutil.RetryCount(raw) + 1
	log := o.log.With("id", m.ID, "retry", retries)
	log.ErrorContext(ctx, "ingest: pipeline failed", "error", err)

	if errors.Is(err, domain.ErrInvalidInput) || retries >= opts.MaxRetries {
		dl := DeadLetter{Message: m, Error: err.Error(), Retries: retries}
		if perr := natsutil.Publish(ctx, pub, opts.DLQSubject, dl); perr != nil {
			log.ErrorContext(ctx, "ingest: DLQ publish failed", "error", perr)
		} else {
			o.deps.Metrics.DeadLettered()
		}
	} else if perr := natsutil.Requeue(pub, raw, opts.Subject, retries); perr != nil {
		log.ErrorContext(ctx, "ingest: retry publish failed", "error", perr)
	}
	ack(raw)
}

// ack acknowledges JetStream deliveries; core NATS messages have no reply.
func ack(msg *nats.Msg) {
	if msg != nil && msg.Reply != "" {
		_ = msg.Ack()
	}
}

// StartConsumer subscribes to opts.Subject and runs each message through
// Handle.
func (o *Orchestrator) StartConsumer(nc *nats.Conn, opts ConsumerOptions) (*nats.Subscription, error) {
	opts = opts.withDefaults()
	return natsutil.Subscribe(nc, opts.Subject, o.log, func(ctx context.Context, m Message, raw *nats.Msg) {
		o.Handle(ctx, nc, m, raw, opts)
	})
}
