package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/pkgbuildd/internal/builder"
	"git.home.luguber.info/inful/pkgbuildd/internal/config"
	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgbuildd/internal/logfields"
)

const natsPublishTimeout = 5 * time.Second

// natsSender is the part of a NATS connection the publisher needs.
type natsSender interface {
	Send(ctx context.Context, subject string, data []byte) error
	Close()
}

// Envelope is the message published for each builder event.
type Envelope struct {
	Builder string `json:"builder"`
	Arch    string `json:"arch"`
	builder.Event
}

// NATSPublisher forwards builder events to the build farm scheduler.
type NATSPublisher struct {
	sender natsSender
	prefix string
	name   string
	arch   string
	logger *slog.Logger
}

// NewNATSPublisher connects to cfg.URL. name identifies this builder in
// published messages.
func NewNATSPublisher(cfg config.NATSConfig, name, arch string, logger *slog.Logger) (*NATSPublisher, error) {
	if !cfg.Enabled() {
		return nil, errors.ConfigError("NATS url is not configured").Build()
	}
	clientName := cfg.Name
	if clientName == "" {
		clientName = "pkgbuildd-" + name
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(clientName),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", logfields.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.MessagingError("failed to connect to NATS").
			WithCause(err).
			WithContext("url", cfg.URL).
			Build()
	}

	var sender natsSender = coreSender{conn: conn}
	if cfg.JetStream {
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return nil, errors.MessagingError("failed to create JetStream context").WithCause(err).Build()
		}
		sender = jetStreamSender{conn: conn, js: js}
	}

	logger.Info("NATS publisher connected",
		slog.String("url", cfg.URL),
		logfields.Subject(cfg.SubjectPrefix+".>"),
		slog.Bool("jetstream", cfg.JetStream))
	return newNATSPublisher(sender, cfg.SubjectPrefix, name, arch, logger), nil
}

func newNATSPublisher(sender natsSender, prefix, name, arch string, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{sender: sender, prefix: prefix, name: subjectSafe.Replace(name), arch: arch, logger: logger}
}

var subjectSafe = strings.NewReplacer(".", "-", " ", "-", "*", "-", ">", "-")

// Subject returns the subject an event of type t is published on.
func (p *NATSPublisher) Subject(t builder.EventType) string {
	return p.prefix + "." + p.name + "." + subjectToken(t)
}

// Publish sends e.
func (p *NATSPublisher) Publish(ctx context.Context, e builder.Event) error {
	data, err := json.Marshal(Envelope{Builder: p.name, Arch: p.arch, Event: e})
	if err != nil {
		return errors.MessagingError("failed to marshal event").WithCause(err).Build()
	}
	ctx, cancel := context.WithTimeout(ctx, natsPublishTimeout)
	defer cancel()

	subject := p.Subject(e.Type)
	if err := p.sender.Send(ctx, subject, data); err != nil {
		return errors.MessagingError("failed to publish event").
			WithCause(err).
			WithContext("subject", subject).
			Build()
	}
	p.logger.Debug("Published builder event", logfields.Subject(subject), logfields.BuildID(e.BuildID))
	return nil
}

// Close closes the connection.
func (p *NATSPublisher) Close() {
	p.sender.Close()
}

// subjectToken renders BuildCompleted as build_completed.
func subjectToken(t builder.EventType) string {
	var b strings.Builder
	for i, r := range string(t) {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

type coreSender struct {
	conn *nats.Conn
}

func (s coreSender) Send(_ context.Context, subject string, data []byte) error {
	return s.conn.Publish(subject, data)
}

func (s coreSender) Close() {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
}

type jetStreamSender struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

func (s jetStreamSender) Send(ctx context.Context, subject string, data []byte) error {
	_, err := s.js.Publish(ctx, subject, data)
	return err
}

func (s jetStreamSender) Close() {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
}
