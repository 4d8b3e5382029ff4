package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playmatatu/referee/internal/mail"
	"github.com/playmatatu/referee/internal/models"
)

const afterE4 = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1"

type fakeSender struct {
	sent []mail.Outgoing
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg mail.Outgoing) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func TestMoveAcceptedAddressesOpponent(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, "https://img.example/board")

	g := models.NewGame(afterE4, "alice@x.io", "bob@x.io")
	require.NoError(t, d.MoveAccepted(context.Background(), "0123456789abcdef", g, "alice@x.io", "bob@x.io", "e4"))
	require.Len(t, sender.sent, 1)

	msg := sender.sent[0]
	assert.Equal(t, []string{"bob@x.io"}, msg.To)
	assert.Equal(t, []string{"alice@x.io"}, msg.Cc)
	assert.Equal(t, "Your move (game 01234567)", msg.Subject)
	assert.Contains(t, msg.Body, "\nFEN: "+afterE4+"\n")
	assert.Contains(t, msg.Body, "Last move: e4")
	assert.Contains(t, msg.Body, "https://img.example/board/rnbqkbnr%2Fpppppppp%2F8%2F8%2F4P3%2F8%2FPPPP1PPP%2FRNBQKBNR")
}

func TestReplyBodyParsesBackToSameBoard(t *testing.T) {
	d := NewDispatcher(&fakeSender{}, "")
	out := d.Compose("g", models.NewGame(afterE4, "alice@x.io", "bob@x.io"), "alice@x.io", "bob@x.io", "e4")
	assert.NotContains(t, out.Body, "Board:")

	// The recipient answers on top of the unquoted notification.
	reply := "From: bob@x.io\r\nCc: alice@x.io\r\nContent-Type: text/plain\r\n\r\nMOVE: e5\r\n" +
		strings.ReplaceAll(out.Body, "\n", "\r\n")
	msg, err := mail.ParseMessage([]byte(reply))
	require.NoError(t, err)
	assert.Equal(t, "e5", msg.Move)
	assert.Equal(t, afterE4, msg.FEN)
}

func TestMoveAcceptedReportsSendFailure(t *testing.T) {
	d := NewDispatcher(&fakeSender{err: errors.New("smtp down")}, "")
	err := d.MoveAccepted(context.Background(), "g", models.NewGame(afterE4, "a@x.io", "b@x.io"), "a@x.io", "b@x.io", "e4")
	require.Error(t, err)
}
