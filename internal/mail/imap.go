package mail

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// Envelope is one fetched message with the server's receive time.
type Envelope struct {
	Raw      []byte
	Received time.Time
}

// Fetcher returns the messages visible in the referee mailbox. since is a
// hint only: callers still filter by Received.
type Fetcher interface {
	Fetch(ctx context.Context, since time.Time) ([]Envelope, error)
}

// IMAPFetcher opens a fresh TLS session per cycle and reads the mailbox
// without marking anything seen.
type IMAPFetcher struct {
	addr     string
	username string
	password string
	mailbox  string
	timeout  time.Duration
}

func NewIMAPFetcher(host string, port int, username, password, mailbox string) *IMAPFetcher {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	return &IMAPFetcher{
		addr:     fmt.Sprintf("%s:%d", host, port),
		username: username,
		password: password,
		mailbox:  mailbox,
		timeout:  30 * time.Second,
	}
}

func (f *IMAPFetcher) Fetch(ctx context.Context, since time.Time) ([]Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := client.DialTLS(f.addr, nil)
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", f.addr, err)
	}
	c.Timeout = f.timeout
	defer c.Logout()

	// Unblock a long FETCH when the caller gives up.
	stop := context.AfterFunc(ctx, func() { c.Terminate() })
	defer stop()

	if err := c.Login(f.username, f.password); err != nil {
		return nil, fmt.Errorf("imap login: %w", err)
	}

	mbox, err := c.Select(f.mailbox, true)
	if err != nil {
		return nil, fmt.Errorf("imap select %s: %w", f.mailbox, err)
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	if since.IsZero() {
		seqset.AddRange(1, mbox.Messages)
	} else {
		// SINCE has day granularity and ignores time zones; widen by a day.
		criteria := imap.NewSearchCriteria()
		criteria.Since = since.AddDate(0, 0, -1)
		ids, err := c.Search(criteria)
		if err != nil {
			return nil, fmt.Errorf("imap search: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}
		seqset.AddNum(ids...)
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, messages)
	}()

	var out []Envelope
	for msg := range messages {
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			continue
		}
		out = append(out, Envelope{Raw: raw, Received: msg.InternalDate})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}
	return out, nil
}
