package recovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bonomat/satsday/internal/ark"
	"github.com/bonomat/satsday/internal/games"
	"github.com/bonomat/satsday/internal/ledger"
	"github.com/bonomat/satsday/internal/logging"
	"github.com/bonomat/satsday/internal/nonce"
	"github.com/bonomat/satsday/internal/processor"
)

// Recovery reconciles the chain-side VTXO set against the ledger. Both
// sweeps are idempotent: they only use inserts guarded by the ledger's
// unique constraints, so running either twice is a no-op.
type Recovery struct {
	backend       ark.Backend
	ledger        *ledger.Ledger
	nonces        *nonce.Service
	game          games.Game
	maxPayoutSats uint64
}

func New(
	backend ark.Backend,
	lg *ledger.Ledger,
	nonces *nonce.Service,
	maxPayoutSats uint64,
) *Recovery {
	return &Recovery{
		backend:       backend,
		ledger:        lg,
		nonces:        nonces,
		game:          games.New(games.TypeSatoshisNumber),
		maxPayoutSats: maxPayoutSats,
	}
}

// MissedPayouts retries every unpaid winner through the regular payout
// path. When hours is non-zero only winners from the last N hours are
// considered. Returns an error if any payout still failed.
func (r *Recovery) MissedPayouts(
	ctx context.Context,
	dryRun bool,
	hours uint,
) error {
	logger := logging.GetLogger()
	var winners []ledger.GameResult
	var err error
	if hours > 0 {
		winners, err = r.ledger.GetUnpaidWinnersWithinHours(hours)
	} else {
		winners, err = r.ledger.GetUnpaidWinners()
	}
	if err != nil {
		return err
	}
	if len(winners) == 0 {
		logger.Infof("no unpaid winners found")
		return nil
	}
	logger.Infof("found %d unpaid winners to retry", len(winners))

	var retried, succeeded, failed int
	var totalSats uint64
	for _, winner := range winners {
		retried++
		if winner.WinningAmount == nil {
			logger.Errorf(
				"unpaid winner %d has no winning amount, skipping",
				winner.ID,
			)
			failed++
			continue
		}
		payoutSats := uint64(*winner.WinningAmount)
		totalSats += payoutSats
		if dryRun {
			logger.Infof(
				"[dry run] would retry payout for game %d: %d sats to %s",
				winner.ID,
				payoutSats,
				winner.PlayerAddress,
			)
			succeeded++
			continue
		}
		logger.Infof(
			"retrying payout for game %d: %d sats to %s",
			winner.ID,
			payoutSats,
			winner.PlayerAddress,
		)
		outputTxid, err := processor.Payout(
			ctx,
			r.backend,
			r.ledger,
			winner.PlayerAddress,
			payoutSats,
			"retry_payout",
			false,
		)
		if err != nil {
			logger.Errorf(
				"retry payout for game %d failed: %s",
				winner.ID,
				err,
			)
			failed++
			continue
		}
		if err := r.ledger.MarkPaymentSuccessful(winner.ID, outputTxid); err != nil {
			logger.Errorf(
				"failed to mark game %d as paid: %s",
				winner.ID,
				err,
			)
			failed++
			continue
		}
		succeeded++
	}
	logger.Infof(
		"missed-payouts sweep finished: %d retried, %d succeeded, %d failed (%d sats)",
		retried,
		succeeded,
		failed,
		totalSats,
	)
	if failed > 0 {
		return fmt.Errorf("%d retry payouts failed", failed)
	}
	return nil
}

// MissedGames scans the full VTXO set of the game addresses for
// deposits the pipeline never saw and settles them into the ledger.
// Winners are recorded as unpaid: MissedPayouts is the single code path
// that sends money, so running the two sweeps in order yields a complete
// and exactly-once ledger.
func (r *Recovery) MissedGames(ctx context.Context, dryRun bool) error {
	logger := logging.GetLogger()
	gameAddresses := r.backend.GameAddresses()
	addresses := make([]string, 0, len(gameAddresses))
	for _, gameAddress := range gameAddresses {
		addresses = append(addresses, gameAddress.Address)
	}
	logger.Infof("scanning VTXOs for %d game addresses", len(addresses))
	vtxos, err := r.backend.ListVtxos(ctx, addresses)
	if err != nil {
		return fmt.Errorf("failed to fetch VTXOs: %w", err)
	}
	logger.Infof("found %d VTXOs across all game addresses", len(vtxos))

	var newGames, alreadyProcessed, ownTransactions, donations, winners int
	for _, vtxo := range vtxos {
		txid := vtxo.Outpoint.Txid
		isProcessed, err := r.ledger.IsTransactionProcessed(txid)
		if err != nil {
			return err
		}
		if isProcessed {
			alreadyProcessed++
			continue
		}
		isOwn, err := r.ledger.IsOwnTransaction(txid)
		if err != nil {
			return err
		}
		if isOwn {
			ownTransactions++
			continue
		}

		// A deposit the pipeline never saw
		newGames++
		logger.Infof(
			"found unprocessed deposit %s of %d sats",
			txid,
			vtxo.Amount,
		)
		gameAddress := matchGameAddress(gameAddresses, vtxo.Script)
		if gameAddress == nil {
			logger.Warnf(
				"no game address matches script of %s, skipping",
				txid,
			)
			continue
		}
		sender, err := r.resolveSender(ctx, vtxo.Outpoint)
		if err != nil {
			return err
		}
		if sender == "" {
			logger.Debugf(
				"no external sender for %s, skipping",
				txid,
			)
			continue
		}

		multiplier := gameAddress.Multiplier
		nonceValue := r.nonces.Current()
		nonceStr := strconv.FormatUint(nonceValue, 10)
		if vtxo.Amount > processor.DonationCap(r.maxPayoutSats, multiplier) {
			donations++
			if dryRun {
				logger.Infof(
					"[dry run] would record donation of %d sats from %s",
					vtxo.Amount,
					sender,
				)
				continue
			}
			err := r.insertRow(&ledger.GameResult{
				Nonce:             nonceStr,
				RolledNumber:      -1,
				InputTxId:         txid,
				BetAmount:         int64(vtxo.Amount),
				PlayerAddress:     sender,
				IsWinner:          false,
				PaymentSuccessful: false,
				Multiplier:        int64(multiplier.Ratio()),
			})
			if err != nil {
				return err
			}
			continue
		}

		eval := r.game.Evaluate(nonceValue, txid, multiplier)
		if eval.IsWin {
			winners++
			payoutSats := games.Payout(vtxo.Amount, eval.PayoutRatio)
			if dryRun {
				logger.Infof(
					"[dry run] would record unpaid winner %s: rolled %d, payout %d sats",
					txid,
					eval.RolledValue,
					payoutSats,
				)
				continue
			}
			logger.Infof(
				"recording missed winner %s: rolled %d, payout %d sats pending",
				txid,
				eval.RolledValue,
				payoutSats,
			)
			winningAmount := int64(payoutSats)
			err := r.insertRow(&ledger.GameResult{
				Nonce:         nonceStr,
				RolledNumber:  eval.RolledValue,
				InputTxId:     txid,
				BetAmount:     int64(vtxo.Amount),
				WinningAmount: &winningAmount,
				PlayerAddress: sender,
				IsWinner:      true,
				// Paid later by the missed-payouts sweep
				PaymentSuccessful: false,
				Multiplier:        int64(multiplier.Ratio()),
			})
			if err != nil {
				return err
			}
			continue
		}

		if dryRun {
			logger.Debugf(
				"[dry run] would record loser %s: rolled %d",
				txid,
				eval.RolledValue,
			)
			continue
		}
		err = r.insertRow(&ledger.GameResult{
			Nonce:             nonceStr,
			RolledNumber:      eval.RolledValue,
			InputTxId:         txid,
			BetAmount:         int64(vtxo.Amount),
			PlayerAddress:     sender,
			IsWinner:          false,
			PaymentSuccessful: true,
			Multiplier:        int64(multiplier.Ratio()),
		})
		if err != nil {
			return err
		}
	}
	logger.Infof(
		"missed-games sweep finished: %d new (%d winners, %d donations), %d already processed, %d own transactions",
		newGames,
		winners,
		donations,
		alreadyProcessed,
		ownTransactions,
	)
	return nil
}

func (r *Recovery) insertRow(row *ledger.GameResult) error {
	err := r.ledger.InsertGameResult(row)
	if errors.Is(err, ledger.ErrDuplicate) {
		// The event loop got there first
		return nil
	}
	return err
}

func (r *Recovery) resolveSender(
	ctx context.Context,
	outpoint ark.Outpoint,
) (string, error) {
	addresses, err := r.backend.ParentAddresses(ctx, outpoint)
	if err != nil {
		return "", err
	}
	mainAddress := r.backend.MainAddress()
	for _, address := range addresses {
		if address != mainAddress {
			return address, nil
		}
	}
	return "", nil
}

func matchGameAddress(
	gameAddresses []ark.GameAddress,
	script string,
) *ark.GameAddress {
	for i := range gameAddresses {
		if gameAddresses[i].MatchesScript(script) {
			return &gameAddresses[i]
		}
	}
	return nil
}
