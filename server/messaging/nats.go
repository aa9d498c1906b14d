package messaging

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	// SUBJECT_SEND is prefixed to the channel, e.g. careflow.send.sms. The
	// provider gateway answers each request with a SendResult.
	SUBJECT_SEND       = "careflow.send"
	SUBJECT_JOB_EVENTS = "careflow.jobs"
)

type NatsConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	RequestTimeout time.Duration

	Logger *logrus.Entry
}

func optNats(o *NatsConfig) []nats.Option {
	opts := make([]nats.Option, 0)
	opts = append(opts, nats.Name(o.Name))
	opts = append(opts, nats.MaxReconnects(o.MaxReconnects))
	opts = append(opts, nats.ReconnectWait(o.ReconnectWait))
	opts = append(opts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err != nil {
			o.Logger.WithError(err).Warn("messaging: nats disconnected")
		}
	}))
	opts = append(opts, nats.ReconnectHandler(func(nc *nats.Conn) {
		o.Logger.WithField("url", nc.ConnectedUrl()).Info("messaging: nats reconnected")
	}))
	return opts
}

func Connect(config *NatsConfig) (*nats.Conn, error) {
	nc, err := nats.Connect(config.URL, optNats(config)...)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect %s: %w", config.URL, err)
	}
	config.Logger.WithField("url", config.URL).Info("messaging: connected to nats")
	return nc, nil
}

// NatsSender hands messages to the provider gateway over NATS request/reply.
type NatsSender struct {
	conn    *nats.Conn
	timeout time.Duration
	logger  *logrus.Entry
}

func NewNatsSender(conn *nats.Conn, timeout time.Duration, logger *logrus.Entry) *NatsSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NatsSender{conn: conn, timeout: timeout, logger: logger}
}

func (s *NatsSender) Send(ctx context.Context, msg Message) (SendResult, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return SendResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	subject := SUBJECT_SEND + "." + msg.Channel
	reply, err := s.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return SendResult{}, fmt.Errorf("messaging: request %s: %w", subject, err)
	}

	var res SendResult
	if err := json.Unmarshal(reply.Data, &res); err != nil {
		return SendResult{}, fmt.Errorf("messaging: decode reply from %s: %w", subject, err)
	}
	s.logger.WithFields(logrus.Fields{
		"channel": msg.Channel,
		"success": res.Success,
	}).Debug("messaging: provider replied")
	return res, nil
}

// JobEvent describes a job lifecycle transition.
type JobEvent struct {
	Type        string    `json:"type"`
	JobID       string    `json:"jobId"`
	WorkflowID  string    `json:"workflowId"`
	PatientID   string    `json:"patientId"`
	ExecutionID string    `json:"executionId,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

type Publisher interface {
	Publish(ev JobEvent) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(JobEvent) error { return nil }

// EventPublisher publishes job events on careflow.jobs.<type>.
type EventPublisher struct {
	conn *nats.Conn
}

func NewEventPublisher(conn *nats.Conn) *EventPublisher {
	return &EventPublisher{conn: conn}
}

func (p *EventPublisher) Publish(ev JobEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.conn.Publish(SUBJECT_JOB_EVENTS+"."+ev.Type, data)
}
