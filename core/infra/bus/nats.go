package bus

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cordum/tradeflow/core/infra/logging"
)

// NatsBus is a thin wrapper over a NATS connection carrying JSON payloads.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	ackWait   time.Duration
}

// Handler consumes one message. Returning a RetryableError naks the message
// when JetStream is enabled.
type Handler func(subject string, data []byte) error

const (
	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSAckWait    = "NATS_JS_ACK_WAIT"
	envJSMaxAge     = "NATS_JS_MAX_AGE"

	defaultAckWait = time.Minute
	defaultMaxAge  = 24 * time.Hour

	streamEvents = "TRADEFLOW_EVENTS"

	// EventSubjectPrefix prefixes every run event subject.
	EventSubjectPrefix = "tradeflow.events."
	// EventSubjectAll matches every run event subject.
	EventSubjectAll = EventSubjectPrefix + ">"

	// HeaderMsgID carries the publisher's dedupe identifier.
	HeaderMsgID = nats.MsgIdHdr
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errEmptyTopic = errors.New("empty subject")
)

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("tradeflow-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Error("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, ackWait: defaultAckWait}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// EventSubject returns the subject carrying events for runID.
func EventSubject(runID string) string {
	if strings.TrimSpace(runID) == "" {
		return ""
	}
	return EventSubjectPrefix + runID
}

// Publish sends data on subject. msgID, when set, lets JetStream drop
// duplicate publishes of the same message.
func (b *NatsBus) Publish(subject, msgID string, data []byte) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if b.jsEnabled && isDurableSubject(subject) {
		var popts []nats.PubOpt
		if msgID != "" {
			popts = append(popts, nats.MsgId(msgID))
		}
		_, err := b.js.Publish(subject, data, popts...)
		return err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	if msgID != "" {
		msg.Header.Set(HeaderMsgID, msgID)
	}
	return b.nc.PublishMsg(msg)
}

// Subscribe attaches handler to subject. When JetStream is enabled, durable
// subjects are consumed with explicit ack/nak semantics.
func (b *NatsBus) Subscribe(subject, queue string, handler Handler) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	if b.jsEnabled && isDurableSubject(subject) {
		cb := func(msg *nats.Msg) {
			if err := handler(msg.Subject, msg.Data); err != nil {
				if delay, ok := RetryDelay(err); ok {
					if delay > 0 {
						_ = msg.NakWithDelay(delay)
					} else {
						_ = msg.Nak()
					}
					return
				}
				logging.Error("bus", "handler error (ack)", "subject", msg.Subject, "error", err)
			}
			_ = msg.Ack()
		}
		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.ackWait),
			nats.DeliverNew(),
		}
		if durable := durableName(subject, queue); durable != "" && queue != "" {
			opts = append(opts, nats.Durable(durable))
		}
		var err error
		if queue == "" {
			_, err = b.js.Subscribe(subject, cb, opts...)
		} else {
			_, err = b.js.QueueSubscribe(subject, queue, cb, opts...)
		}
		return err
	}

	cb := func(msg *nats.Msg) {
		if err := handler(msg.Subject, msg.Data); err != nil {
			logging.Error("bus", "handler error", "subject", msg.Subject, "error", err)
		}
	}
	if queue == "" {
		_, err := b.nc.Subscribe(subject, cb)
		return err
	}
	_, err := b.nc.QueueSubscribe(subject, queue, cb)
	return err
}

// JetStreamEnabled reports whether durable subjects go through JetStream,
// which redelivers messages a handler refuses.
func (b *NatsBus) JetStreamEnabled() bool {
	return b != nil && b.jsEnabled
}

// IsConnected reports whether the underlying connection is up.
func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func initJetStreamEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envUseJetStream))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil || !initJetStreamEnabled() {
		return
	}
	ackWait := envDuration(envJSAckWait, defaultAckWait)
	maxAge := envDuration(envJSMaxAge, defaultMaxAge)

	js, err := b.nc.JetStream()
	if err != nil {
		logging.Error("bus", "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Error("bus", "jetstream not available", "error", err)
		return
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamEvents,
		Subjects:   []string{EventSubjectAll},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		// Stream may already exist; treat that as success.
		if _, infoErr := js.StreamInfo(streamEvents); infoErr != nil {
			logging.Error("bus", "jetstream ensure stream failed", "stream", streamEvents, "error", err)
			return
		}
	}
	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	logging.Info("bus", "jetstream enabled", "ack_wait", ackWait.String(), "max_age", maxAge.String())
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func isDurableSubject(subject string) bool {
	return strings.HasPrefix(subject, EventSubjectPrefix)
}

func durableName(subject, queue string) string {
	clean := func(s string) string {
		s = strings.ReplaceAll(s, ".", "_")
		s = strings.ReplaceAll(s, "*", "STAR")
		s = strings.ReplaceAll(s, ">", "GT")
		return strings.TrimSpace(s)
	}
	name := clean(subject)
	if name == "" {
		return ""
	}
	if q := clean(queue); q != "" {
		return "dur_" + q + "__" + name
	}
	return "dur_" + name
}
