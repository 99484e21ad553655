package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bonomat/satsday/internal/ark"
	"github.com/bonomat/satsday/internal/ledger"
	"github.com/bonomat/satsday/internal/logging"

	"github.com/cenkalti/backoff/v4"
)

// Payouts are attempted up to three times with exponential backoff
// between attempts
const maxSendAttempts = 3

// DryRunTxid is returned instead of a real txid when a payout runs in
// dry-run mode
const DryRunTxid = "dry-run"

// Payout is the single code path that sends money to a player. It
// retries transient backend failures with backoff and, on success,
// records the new txid in own_transactions BEFORE returning: the caller
// writes the game row afterwards, so a subscription echo of the payout
// can never be classified as a new deposit.
func Payout(
	ctx context.Context,
	backend ark.Backend,
	lg *ledger.Ledger,
	address string,
	amountSats uint64,
	txType string,
	dryRun bool,
) (string, error) {
	logger := logging.GetLogger()
	if dryRun {
		logger.Infof(
			"[dry run] would send %d sats to %s",
			amountSats,
			address,
		)
		return DryRunTxid, nil
	}

	var txid string
	operation := func() error {
		var err error
		txid, err = backend.Send(ctx, address, amountSats)
		if err == nil {
			return nil
		}
		if errors.Is(err, ark.ErrBackendUnavailable) {
			logger.Warnf(
				"payout to %s failed, will retry: %s",
				address,
				err,
			)
			return err
		}
		// Protocol errors will not get better on retry
		return backoff.Permanent(err)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	err := backoff.Retry(
		operation,
		backoff.WithContext(
			backoff.WithMaxRetries(policy, maxSendAttempts-1),
			ctx,
		),
	)
	if err != nil {
		return "", fmt.Errorf("payout failed after retries: %w", err)
	}
	if err := lg.InsertOwnTransaction(txid, txType); err != nil {
		// The money is on its way; surface the write failure but do not
		// pretend the payout failed
		logger.Errorf(
			"failed to record own transaction %s: %s",
			txid,
			err,
		)
	}
	logger.Infof("sent %d sats to %s in %s", amountSats, address, txid)
	return txid, nil
}
