package alerts

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"n8nadmin/internal/config"
)

// SMTPMailer sends alert and password-reset mail through a plain SMTP
// relay.
type SMTPMailer struct {
	cfg config.SMTPConfig
}

func NewSMTPMailer(cfg config.SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// Configured reports whether a relay host is set. Without one, mail sends
// fail fast with a clear error.
func (m *SMTPMailer) Configured() bool {
	return m.cfg.Host != ""
}

func (m *SMTPMailer) Send(_ context.Context, to, subject, body string) error {
	if !m.Configured() {
		return fmt.Errorf("smtp relay not configured")
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.User != "" {
		auth = smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Host)
	}
	return smtp.SendMail(addr, auth, m.cfg.From, []string{to}, []byte(msg.String()))
}
