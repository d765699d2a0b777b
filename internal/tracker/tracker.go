// Package tracker publishes step signals to an external work-item tracker
// over NATS.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"routeforge/internal/orchestrator"
)

// DefaultSubjectPrefix is used when none is configured.
const DefaultSubjectPrefix = "routeforge.steps"

// Publisher implements orchestrator.StepObserver. Each signal goes to
//
//	{prefix}.{plan_id}.{step_status}
//
// Publish failures are logged; they never affect the step.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("routeforge"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect tracker %s: %w", url, err)
	}
	p := New(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// New wraps an existing connection.
func New(nc *nats.Conn, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject a signal is published on.
func (p *Publisher) Subject(sig orchestrator.StepSignal) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, token(sig.PlanID), token(string(sig.StepStatus)))
}

// StepFinished publishes sig.
func (p *Publisher) StepFinished(_ context.Context, sig orchestrator.StepSignal) {
	data, err := json.Marshal(sig)
	if err != nil {
		p.logger.Warn("encode step signal failed", zap.String("step_id", sig.StepID), zap.Error(err))
		return
	}
	subject := p.Subject(sig)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("publish step signal failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	p.logger.Debug("step signal published", zap.String("subject", subject))
}

// Close drains and closes the connection if the publisher opened it.
func (p *Publisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.nc.Drain()
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, s)
}
