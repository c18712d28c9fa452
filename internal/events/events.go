// Package events publishes build outcome notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ChuLiYu/buildd/pkg/types"
)

// Outcome is published once per acknowledged job outcome.
type Outcome struct {
	RunID     string             `json:"run_id"`
	Builder   string             `json:"builder"`
	Token     types.ClaimToken   `json:"token"`
	Package   string             `json:"package"`
	Version   string             `json:"version"`
	Arch      string             `json:"arch"`
	Dist      string             `json:"dist"`
	Action    types.ReportAction `json:"action"`
	Reason    string             `json:"reason,omitempty"`
	Deps      []string           `json:"deps,omitempty"`
	Attempts  int                `json:"attempts"`
	Timestamp time.Time          `json:"timestamp"`
}

// Publisher sends outcome events.
type Publisher interface {
	Publish(ctx context.Context, o Outcome) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Outcome) error { return nil }
func (Nop) Close() error                           { return nil }

// conn is the subset of *nats.Conn used here.
type conn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// NATS publishes outcomes to <prefix>.<arch>.<action>.
type NATS struct {
	conn   conn
	prefix string
	logger *slog.Logger
}

// ConnectNATS dials the NATS server at url.
func ConnectNATS(url, prefix, name string, logger *slog.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("NATS event publisher connected", "url", url, "prefix", prefix)
	return newNATS(nc, prefix, logger), nil
}

func newNATS(c conn, prefix string, logger *slog.Logger) *NATS {
	if prefix == "" {
		prefix = "buildd.outcome"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{conn: c, prefix: prefix, logger: logger}
}

// Subject returns the subject an outcome is published on.
func (n *NATS) Subject(o Outcome) string {
	return fmt.Sprintf("%s.%s.%s", n.prefix, token(o.Arch), token(string(o.Action)))
}

func (n *NATS) Publish(ctx context.Context, o Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := n.Subject(o)
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	n.logger.Debug("published outcome event", "subject", subject, "package", o.Package)
	return nil
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}

// token makes s safe as a single NATS subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}
