// Package notify renders core events for operators and fans them out to the
// configured channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Severity colours a message on channels that support it.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityGood
	SeverityBad
)

// Message is a rendered event.
type Message struct {
	Title    string
	Body     string
	Severity Severity
}

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Notifier renders events and delivers the allowed types to every sender.
type Notifier struct {
	senders []Sender
	allowed map[domain.EventType]bool
	logger  *slog.Logger
}

var _ domain.EventSink = (*Notifier)(nil)

// NewNotifier creates a Notifier. An empty events list allows every type.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		allowed[domain.EventType(strings.TrimSpace(e))] = true
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Emit renders ev and sends it when its type is allowed. Delivery failures
// are logged; they never reach the trading loop.
func (n *Notifier) Emit(ctx context.Context, ev domain.Event) {
	if len(n.allowed) > 0 && !n.allowed[ev.Type] {
		return
	}
	if err := n.Send(ctx, Render(ev)); err != nil {
		n.logger.Warn("notify: delivery failed", slog.String("event", string(ev.Type)), slog.Any("error", err))
	}
}

// Send delivers msg to every sender. One failing sender does not stop the
// others; their errors are joined.
func (n *Notifier) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.Debug("notify: sent", slog.String("sender", s.Name()), slog.String("title", msg.Title))
	}
	return errors.Join(errs...)
}
