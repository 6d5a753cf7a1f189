// Package natspub publishes run lifecycle events to NATS JetStream so
// external consumers (notifiers, dashboards) can react to builds.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/docflow/internal/config"
	"git.home.luguber.info/inful/docflow/internal/events"
	"git.home.luguber.info/inful/docflow/internal/logfields"
)

// Publisher forwards run lifecycle events to a JetStream stream.
type Publisher struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
	stream  string
}

// New connects to NATS and ensures the target stream exists.
func New(cfg *config.NATSConfig) (*Publisher, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, fmt.Errorf("nats publishing is disabled")
	}

	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	p := &Publisher{
		conn:    conn,
		js:      js,
		subject: cfg.Subject,
		stream:  cfg.Stream,
	}

	if err := p.ensureStream(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	slog.Info("NATS publisher initialized",
		logfields.URL(cfg.URL),
		slog.String("subject", cfg.Subject),
		slog.String("stream", cfg.Stream))

	return p, nil
}

func (p *Publisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := p.js.Stream(ctx, p.stream)
	if err == nil {
		return nil
	}

	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        p.stream,
		Description: "Docflow run lifecycle events",
		Subjects:    []string{p.subject + ".>"},
		MaxAge:      7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", p.stream, err)
	}
	return nil
}

// runStartedMessage is the wire form of a run start notification.
type runStartedMessage struct {
	RunID     string    `json:"run_id"`
	Workflow  string    `json:"workflow"`
	Group     string    `json:"concurrency_group,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// runFinishedMessage is the wire form of a run completion notification.
type runFinishedMessage struct {
	RunID      string        `json:"run_id"`
	Workflow   string        `json:"workflow"`
	Group      string        `json:"concurrency_group,omitempty"`
	Status     string        `json:"status"`
	FailedStep string        `json:"failed_step,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	FinishedAt time.Time     `json:"finished_at"`
}

// PublishRunStarted publishes a run start notification.
func (p *Publisher) PublishRunStarted(ev events.RunStarted) error {
	return p.publish(p.subject+".started", runStartedMessage{
		RunID:     ev.RunID,
		Workflow:  ev.Workflow,
		Group:     ev.Group,
		StartedAt: ev.StartedAt,
	})
}

// PublishRunFinished publishes a run completion notification.
func (p *Publisher) PublishRunFinished(ev events.RunFinished) error {
	return p.publish(p.subject+".finished", runFinishedMessage{
		RunID:      ev.RunID,
		Workflow:   ev.Workflow,
		Group:      ev.Group,
		Status:     ev.Status,
		FailedStep: ev.FailedStep,
		Duration:   ev.Duration,
		FinishedAt: ev.FinishedAt,
	})
}

func (p *Publisher) publish(subject string, msg any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	slog.Debug("Published run event", slog.String("subject", subject))
	return nil
}

// Attach subscribes the publisher to run lifecycle events on the bus and
// forwards them until the bus closes. Publish failures are logged and do
// not affect run processing.
func (p *Publisher) Attach(bus *events.Bus) {
	started, _ := events.Subscribe[events.RunStarted](bus, 16)
	finished, _ := events.Subscribe[events.RunFinished](bus, 16)

	go func() {
		for ev := range started {
			if err := p.PublishRunStarted(ev); err != nil {
				slog.Warn("Failed to publish run started event",
					logfields.RunID(ev.RunID), logfields.Error(err))
			}
		}
	}()

	go func() {
		for ev := range finished {
			if err := p.PublishRunFinished(ev); err != nil {
				slog.Warn("Failed to publish run finished event",
					logfields.RunID(ev.RunID), logfields.Error(err))
			}
		}
	}()
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
