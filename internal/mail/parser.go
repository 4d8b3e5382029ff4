package mail

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
)

// ErrParse marks a message that does not carry a usable move.
var ErrParse = errors.New("unparseable message")

// Message is the referee-relevant content of one inbound mail.
type Message struct {
	From string // mover
	Cc   string // opponent

	Move    string
	FEN     string
	NewGame string // opponent address named by a NEW GAME line

	HasNewGame bool
}

// ParseMessage extracts the mover, opponent and move fields from a raw
// RFC 5322 message. Only the first text part of the body is read.
func ParseMessage(raw []byte) (*Message, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	defer mr.Close()

	from, err := singleAddress(mr.Header, "From")
	if err != nil {
		return nil, err
	}
	cc, err := singleAddress(mr.Header, "Cc")
	if err != nil {
		return nil, err
	}

	body, err := firstTextPart(mr)
	if err != nil {
		return nil, err
	}

	msg := &Message{From: from, Cc: cc}
	if err := parseBody(body, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func singleAddress(h gomail.Header, field string) (string, error) {
	list, err := h.AddressList(field)
	if err != nil {
		return "", fmt.Errorf("%w: %s header: %v", ErrParse, field, err)
	}
	if len(list) != 1 {
		return "", fmt.Errorf("%w: want exactly one %s address, got %d", ErrParse, field, len(list))
	}
	return NormalizeAddress(list[0].Address), nil
}

func firstTextPart(mr *gomail.Reader) ([]byte, error) {
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: no text part", ErrParse)
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		h, ok := p.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		if ct != "" && !strings.HasPrefix(strings.ToLower(ct), "text/") {
			continue
		}
		b, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", ErrParse, err)
		}
		return b, nil
	}
}

func parseBody(body []byte, msg *Message) error {
	var haveMove, haveFEN bool
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ">") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "MOVE":
			if haveMove {
				continue
			}
			if fields := strings.Fields(value); len(fields) > 0 {
				msg.Move = fields[0]
				haveMove = true
			}
		case "FEN":
			if !haveFEN && value != "" {
				msg.FEN = value
				haveFEN = true
			}
		case "NEW GAME":
			if msg.HasNewGame {
				continue
			}
			msg.HasNewGame = true
			if addr, err := gomail.ParseAddress(value); err == nil {
				msg.NewGame = NormalizeAddress(addr.Address)
			} else {
				msg.NewGame = NormalizeAddress(value)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	if !haveMove {
		return fmt.Errorf("%w: no MOVE line", ErrParse)
	}
	if msg.HasNewGame {
		msg.FEN = ""
	}
	return nil
}

// NormalizeAddress trims and lower-cases an address so that the same
// mailbox always maps to the same matchup.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
