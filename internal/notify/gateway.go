// Package notify delivers automation emails.
//
// A Gateway moves one rendered message to its destination and returns the
// delivery id it was given. Templates turn an email type and a contact into a
// subject and body. The Dispatcher joins the two with the Record Store: it
// renders, sends, and only then writes the AutomatedMessage audit record.
package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Message is one outbound email.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Gateway sends a message and returns the id the transport assigned to it.
// A non-nil error means the message was not accepted.
type Gateway interface {
	Send(ctx context.Context, msg Message) (deliveryID string, err error)
}

// LogGateway writes messages to a logger instead of delivering them.
// Useful for local runs and dry runs.
type LogGateway struct {
	logger *slog.Logger
}

// NewLogGateway creates a gateway that logs at info level.
func NewLogGateway(logger *slog.Logger) *LogGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Send(ctx context.Context, msg Message) (string, error) {
	id := uuid.NewString()
	g.logger.InfoContext(ctx, "email",
		"delivery_id", id,
		"to", msg.To,
		"subject", msg.Subject,
		"bytes", len(msg.Body),
	)
	return id, nil
}
