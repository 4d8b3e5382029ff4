package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/playmatatu/referee/internal/logger"
	"github.com/playmatatu/referee/internal/mail"
	"github.com/playmatatu/referee/internal/metrics"
	"github.com/playmatatu/referee/internal/models"
)

// Dispatcher mails the player to move after every accepted move.
type Dispatcher struct {
	sender        mail.Sender
	boardImageURL string
	log           *zap.SugaredLogger
}

func NewDispatcher(sender mail.Sender, boardImageURL string) *Dispatcher {
	return &Dispatcher{
		sender:        sender,
		boardImageURL: boardImageURL,
		log:           logger.Get(),
	}
}

// MoveAccepted tells opponent it is their turn, copying mover.
func (d *Dispatcher) MoveAccepted(ctx context.Context, gameID string, g models.Game, mover, opponent, move string) error {
	msg := d.Compose(gameID, g, mover, opponent, move)
	if err := d.sender.Send(ctx, msg); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("notify %s: %w", opponent, err)
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	d.log.Debugf("[NOTIFY] game %s: told %s about %s", gameID, opponent, move)
	return nil
}

// Compose builds the reply. The FEN line is written so the recipient can
// send it back unchanged.
func (d *Dispatcher) Compose(gameID string, g models.Game, mover, opponent, move string) mail.Outgoing {
	var b strings.Builder
	fmt.Fprintf(&b, "%s played %s.\n\n", mover, move)
	fmt.Fprintf(&b, "Last move: %s\n", move)
	fmt.Fprintf(&b, "FEN: %s\n\n", g.Position)
	if img := d.BoardImage(g.Position); img != "" {
		fmt.Fprintf(&b, "Board: %s\n\n", img)
	}
	fmt.Fprintf(&b, "Your turn. Reply to this mail with %s in Cc and a line of the form\n", mover)
	b.WriteString("\"MOVE: <your move>\" in standard algebraic notation, keeping the FEN line above.\n")

	short := gameID
	if len(short) > 8 {
		short = short[:8]
	}
	return mail.Outgoing{
		To:      []string{opponent},
		Cc:      []string{mover},
		Subject: fmt.Sprintf("Your move (game %s)", short),
		Body:    b.String(),
	}
}

// BoardImage returns a rendering URL for the piece placement of fen.
func (d *Dispatcher) BoardImage(fen string) string {
	if d.boardImageURL == "" {
		return ""
	}
	placement := strings.Fields(fen)
	if len(placement) == 0 {
		return ""
	}
	base := d.boardImageURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + url.PathEscape(placement[0])
}
