// ABOUTME: SMTP delivery for the built-in email task using go-mail. Dial-per-send.
// ABOUTME: All recipients go in BCC of a single message; a retry resends to all of them.
package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"
)

var (
	ErrNoRecipients = errors.New("mailer: no recipients")
	ErrNoBody       = errors.New("mailer: text or html body required")
)

// Config holds SMTP connection parameters.
type Config struct {
	Host     string
	Port     int
	From     string
	FromName string
	Username string
	Password string
	TLS      bool
}

// Payload is the job payload of an email task.
type Payload struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text,omitempty"`
	HTML    string   `json:"html,omitempty"`
}

// Mailer sends email task payloads.
type Mailer struct {
	cfg Config
}

func New(cfg Config) *Mailer { return &Mailer{cfg: cfg} }

// Run implements task.Handler.
func (m *Mailer) Run(ctx context.Context, raw json.RawMessage) error {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode email payload: %w", err)
	}
	return m.Send(ctx, p)
}

// Send delivers p in one SMTP session.
func (m *Mailer) Send(ctx context.Context, p Payload) error {
	msg, err := m.message(p)
	if err != nil {
		return err
	}

	opts := []mail.Option{mail.WithPort(m.cfg.Port)}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	if m.cfg.TLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("email send: create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

func (m *Mailer) message(p Payload) (*mail.Msg, error) {
	if len(p.To) == 0 {
		return nil, ErrNoRecipients
	}
	if p.Text == "" && p.HTML == "" {
		return nil, ErrNoBody
	}

	// CR/LF in the subject would start a new header.
	subject := strings.NewReplacer("\r", "", "\n", "").Replace(p.Subject)

	msg := mail.NewMsg()
	name := m.cfg.FromName
	if name == "" {
		name = "queued"
	}
	if err := msg.FromFormat(name, m.cfg.From); err != nil {
		return nil, fmt.Errorf("email send: set from: %w", err)
	}
	if err := msg.Bcc(p.To...); err != nil {
		return nil, fmt.Errorf("email send: set bcc: %w", err)
	}
	msg.Subject(subject)
	switch {
	case p.Text != "" && p.HTML != "":
		msg.SetBodyString(mail.TypeTextPlain, p.Text)
		msg.AddAlternativeString(mail.TypeTextHTML, p.HTML)
	case p.HTML != "":
		msg.SetBodyString(mail.TypeTextHTML, p.HTML)
	default:
		msg.SetBodyString(mail.TypeTextPlain, p.Text)
	}
	return msg, nil
}
