package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/google/uuid"
)

// SMTPConfig holds SMTP connection settings.
type SMTPConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     string `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	From     string `yaml:"from" json:"from"`
	FromName string `yaml:"from_name" json:"from_name"`
}

// IsConfigured returns true if enough is set to attempt delivery.
func (c SMTPConfig) IsConfigured() bool {
	return c.Host != "" && c.Port != "" && c.From != ""
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPGateway sends plain text mail through an SMTP relay.
type SMTPGateway struct {
	config   SMTPConfig
	server   string
	auth     smtp.Auth
	sendMail sendMailFunc
}

// NewSMTPGateway creates a gateway for the given relay. Auth is only used
// when a username is set.
func NewSMTPGateway(config SMTPConfig) *SMTPGateway {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &SMTPGateway{
		config:   config,
		server:   config.Host + ":" + config.Port,
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

// Send delivers msg. The returned id is the Message-ID header value.
func (g *SMTPGateway) Send(ctx context.Context, msg Message) (string, error) {
	if !g.config.IsConfigured() {
		return "", errors.New("smtp not configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.ContainsAny(msg.To, "\r\n") || strings.ContainsAny(msg.Subject, "\r\n") {
		return "", errors.New("header values must not contain line breaks")
	}

	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), g.config.Host)
	raw := g.build(id, msg)
	if err := g.sendMail(g.server, g.auth, g.config.From, []string{msg.To}, raw); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}
	return id, nil
}

func (g *SMTPGateway) build(messageID string, msg Message) []byte {
	from := g.config.From
	if g.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", g.config.FromName, g.config.From)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&b, "\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return b.Bytes()
}
