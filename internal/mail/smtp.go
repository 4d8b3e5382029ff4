package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	gomail "github.com/emersion/go-message/mail"
)

// Outgoing is a plain-text message to send.
type Outgoing struct {
	To      []string
	Cc      []string
	Subject string
	Body    string
}

// Sender delivers outbound mail.
type Sender interface {
	Send(ctx context.Context, msg Outgoing) error
}

// SMTPSender submits mail over STARTTLS with PLAIN auth.
type SMTPSender struct {
	addr     string
	username string
	password string
	from     string
	retries  int
}

func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	return &SMTPSender{
		addr:     fmt.Sprintf("%s:%d", host, port),
		username: username,
		password: password,
		from:     from,
		retries:  3,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Outgoing) error {
	if s == nil {
		return errors.New("smtp sender not configured")
	}
	if len(msg.To) == 0 {
		return errors.New("smtp: no recipients")
	}

	raw, err := Compose(s.from, msg)
	if err != nil {
		return err
	}
	rcpts := append(append([]string{}, msg.To...), msg.Cc...)

	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		auth := sasl.NewPlainClient("", s.username, s.password)
		lastErr = smtp.SendMail(s.addr, auth, s.from, rcpts, bytes.NewReader(raw))
		if lastErr == nil {
			return nil
		}
		// Permanent rejections (5xx) are not retried.
		var smtpErr *smtp.SMTPError
		if errors.As(lastErr, &smtpErr) && smtpErr.Code >= 500 {
			break
		}
		time.Sleep(time.Duration(100+attempt*200) * time.Millisecond)
	}
	return fmt.Errorf("smtp send: %w", lastErr)
}

// Compose renders msg as an RFC 5322 plain-text message.
func Compose(from string, msg Outgoing) ([]byte, error) {
	var h gomail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*gomail.Address{{Address: from}})
	h.SetAddressList("To", toAddresses(msg.To))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toAddresses(msg.Cc))
	}
	h.SetSubject(msg.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := gomail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	return buf.Bytes(), nil
}

func toAddresses(in []string) []*gomail.Address {
	out := make([]*gomail.Address, 0, len(in))
	for _, a := range in {
		out = append(out, &gomail.Address{Address: a})
	}
	return out
}
