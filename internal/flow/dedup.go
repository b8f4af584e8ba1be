package flow

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/OrderPipe/internal/store"
)

// DedupGate runs a button action at most once per external message id.
type DedupGate struct {
	ledger store.LedgerRepo
}

func NewDedupGate(ledger store.LedgerRepo) *DedupGate {
	return &DedupGate{ledger: ledger}
}

// Run claims entry.MessageID and executes fn. If another delivery already owns
// the id (processing or completed) it returns false without calling fn. The
// ledger row ends completed or failed; fn's error is returned either way.
func (g *DedupGate) Run(ctx context.Context, entry store.LedgerEntry, fn func(ctx context.Context) error) (bool, error) {
	acquired, err := g.ledger.AcquireLedger(ctx, entry)
	if err != nil {
		return false, err
	}
	if !acquired {
		slog.Info("DedupGate.Run: duplicate delivery ignored", "message_id", entry.MessageID)
		return false, nil
	}

	if err := fn(ctx); err != nil {
		if ferr := g.ledger.FailLedger(ctx, entry.MessageID, err.Error()); ferr != nil {
			slog.Error("DedupGate.Run: failed to mark ledger failed", "message_id", entry.MessageID, "error", ferr)
		}
		return true, err
	}
	if err := g.ledger.CompleteLedger(ctx, entry.MessageID); err != nil {
		return true, err
	}
	return true, nil
}
