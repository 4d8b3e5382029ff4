package mail

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawMail(headers, body string) []byte {
	return []byte(strings.ReplaceAll(headers+"\n\n"+body, "\n", "\r\n"))
}

const baseHeaders = `From: Alice <Alice@Example.com>
Cc: bob@example.com
To: referee@example.com
Subject: our game
Content-Type: text/plain; charset=utf-8`

func TestParseMoveAndFEN(t *testing.T) {
	raw := rawMail(baseHeaders, "MOVE: e5\nFEN: rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1\n")
	msg, err := ParseMessage(raw)
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", msg.From)
	assert.Equal(t, "bob@example.com", msg.Cc)
	assert.Equal(t, "e5", msg.Move)
	assert.Equal(t, "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1", msg.FEN)
	assert.False(t, msg.HasNewGame)
}

func TestParseFieldNamesCaseInsensitive(t *testing.T) {
	msg, err := ParseMessage(rawMail(baseHeaders, "move: Nf3 please\nfen: 8/8/8/8/8/8/8/8 w - - 0 1"))
	require.NoError(t, err)
	assert.Equal(t, "Nf3", msg.Move)
	assert.Equal(t, "8/8/8/8/8/8/8/8 w - - 0 1", msg.FEN)
}

func TestParseNewGameDropsFEN(t *testing.T) {
	msg, err := ParseMessage(rawMail(baseHeaders, "NEW GAME: Bob <BOB@example.com>\nMOVE: e4\nFEN: whatever"))
	require.NoError(t, err)
	assert.True(t, msg.HasNewGame)
	assert.Equal(t, "bob@example.com", msg.NewGame)
	assert.Equal(t, "e4", msg.Move)
	assert.Empty(t, msg.FEN)
}

func TestParseIgnoresQuotedReply(t *testing.T) {
	body := "MOVE: d5\n\nOn Monday Bob wrote:\n> MOVE: e4\n> FEN: old-board\n"
	msg, err := ParseMessage(rawMail(baseHeaders, body))
	require.NoError(t, err)
	assert.Equal(t, "d5", msg.Move)
	assert.Empty(t, msg.FEN)
}

func TestParseMissingMove(t *testing.T) {
	_, err := ParseMessage(rawMail(baseHeaders, "FEN: something\nhello"))
	require.ErrorIs(t, err, ErrParse)
}

func TestParseRequiresSingleCc(t *testing.T) {
	noCc := `From: alice@example.com
To: referee@example.com
Content-Type: text/plain`
	_, err := ParseMessage(rawMail(noCc, "MOVE: e4"))
	require.ErrorIs(t, err, ErrParse)

	twoCc := `From: alice@example.com
Cc: bob@example.com, carol@example.com
Content-Type: text/plain`
	_, err = ParseMessage(rawMail(twoCc, "MOVE: e4"))
	require.ErrorIs(t, err, ErrParse)
}

func TestParseRequiresSingleFrom(t *testing.T) {
	h := `From: alice@example.com, eve@example.com
Cc: bob@example.com
Content-Type: text/plain`
	_, err := ParseMessage(rawMail(h, "MOVE: e4"))
	require.ErrorIs(t, err, ErrParse)
}

func TestParseMultipartUsesFirstTextPart(t *testing.T) {
	h := `From: alice@example.com
Cc: bob@example.com
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary="XX"`
	body := `--XX
Content-Type: text/plain; charset=utf-8

MOVE: c4
--XX
Content-Type: text/html; charset=utf-8

<p>MOVE: h4</p>
--XX--
`
	msg, err := ParseMessage(rawMail(h, body))
	require.NoError(t, err)
	assert.Equal(t, "c4", msg.Move)
}

func TestParseGarbage(t *testing.T) {
	_, err := ParseMessage([]byte("\x00\x01 not a mail"))
	require.ErrorIs(t, err, ErrParse)
}

func TestComposeRoundTrip(t *testing.T) {
	raw, err := Compose("referee@example.com", Outgoing{
		To:      []string{"bob@example.com"},
		Cc:      []string{"alice@example.com"},
		Subject: "Your move",
		Body:    "MOVE: e4\n",
	})
	require.NoError(t, err)

	s := string(raw)
	assert.Contains(t, s, "Subject: Your move")
	assert.Contains(t, s, "To: <bob@example.com>")
	assert.Contains(t, s, "Cc: <alice@example.com>")
	assert.Contains(t, s, "MOVE: e4")
}
