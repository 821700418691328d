package reward

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// ErrSettlement marks a per-entry transfer failure. The distributor
// restores the entry's balance and retries it on a later cycle.
var ErrSettlement = errors.New("settlement failed")

// Ledger is the external settlement backend. What happens downstream of
// Transfer (chain, database, IOU file) is not this core's concern.
type Ledger interface {
	Transfer(ctx context.Context, walletAddress string, amount Amount) error
}

// LogLedger is the development backend: it records transfers and always
// succeeds. Production deployments inject a real settlement client.
type LogLedger struct {
	logger *zap.Logger
}

func NewLogLedger(logger *zap.Logger) *LogLedger {
	return &LogLedger{logger: logger}
}

func (l *LogLedger) Transfer(_ context.Context, walletAddress string, amount Amount) error {
	l.logger.Info("ledger transfer",
		zap.String("wallet", walletAddress),
		zap.Float64("vibe", ToDisplay(amount)))
	return nil
}
