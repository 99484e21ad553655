package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bonomat/satsday/internal/ark"
	"github.com/bonomat/satsday/internal/events"
	"github.com/bonomat/satsday/internal/games"
	"github.com/bonomat/satsday/internal/keys"
	"github.com/bonomat/satsday/internal/ledger"
	"github.com/bonomat/satsday/internal/logging"
	"github.com/bonomat/satsday/internal/nonce"
	"github.com/bonomat/satsday/internal/storage"
)

// Processor consumes deposit notifications and settles each one as a
// game round: classify, evaluate, pay winners, persist. Events are
// handled strictly one at a time, so the ledger's unique constraint is
// only ever contended by recovery.
type Processor struct {
	backend       ark.Backend
	ledger        *ledger.Ledger
	nonces        *nonce.Service
	game          games.Game
	broadcaster   *events.Broadcaster
	maxPayoutSats uint64
	gameAddresses []ark.GameAddress
	mainAddress   string
}

func New(
	backend ark.Backend,
	lg *ledger.Ledger,
	nonces *nonce.Service,
	broadcaster *events.Broadcaster,
	maxPayoutSats uint64,
) *Processor {
	return &Processor{
		backend:       backend,
		ledger:        lg,
		nonces:        nonces,
		game:          games.New(games.TypeSatoshisNumber),
		broadcaster:   broadcaster,
		maxPayoutSats: maxPayoutSats,
		gameAddresses: backend.GameAddresses(),
		mainAddress:   backend.MainAddress(),
	}
}

// DonationCap returns the largest bet whose potential payout stays
// within the configured house cap. Anything above it is a donation, not
// a bet.
func DonationCap(maxPayoutSats uint64, multiplier keys.Multiplier) uint64 {
	return maxPayoutSats * 100 / multiplier.Ratio()
}

// Run subscribes to the game address scripts and processes notifications
// until the stream dies. It only returns on error; the caller is
// expected to treat that as fatal and let the supervisor restart the
// process, since startup recovery makes a restart safe from any point.
func (p *Processor) Run(ctx context.Context) error {
	logger := logging.GetLogger()
	var scripts []string
	for _, gameAddress := range p.gameAddresses {
		scripts = append(
			scripts,
			gameAddress.Script,
			gameAddress.SubDustScript,
		)
	}
	subscriptionId, err := p.backend.SubscribeScripts(ctx, scripts)
	if err != nil {
		return fmt.Errorf("failed to subscribe to game scripts: %w", err)
	}
	eventChan, err := p.backend.Events(ctx, subscriptionId)
	if err != nil {
		return fmt.Errorf("failed to open subscription stream: %w", err)
	}
	logger.Infof("processing deposit notifications")
	for evt := range eventChan {
		if err := p.HandleEvent(ctx, evt); err != nil {
			logger.Errorf(
				"failed to process deposit %s: %s",
				evt.Txid,
				err,
			)
		}
	}
	return errors.New("subscription stream ended")
}

// HandleEvent classifies and settles a single deposit notification
func (p *Processor) HandleEvent(ctx context.Context, evt ark.Event) error {
	logger := logging.GetLogger()
	isOwn, err := p.ledger.IsOwnTransaction(evt.Txid)
	if err != nil {
		return err
	}
	if isOwn {
		logger.Debugf("own transaction %s, skipping", evt.Txid)
		return nil
	}
	isProcessed, err := p.ledger.IsTransactionProcessed(evt.Txid)
	if err != nil {
		return err
	}
	if isProcessed {
		logger.Debugf("transaction %s already processed, skipping", evt.Txid)
		return nil
	}
	gameAddress := p.gameForScript(evt.Script)
	if gameAddress == nil {
		logger.Debugf(
			"no game address for script %s, skipping",
			evt.Script,
		)
		return nil
	}
	outpoint := ark.Outpoint{Txid: evt.Txid, VOut: evt.VOut}
	sender, err := p.resolveSender(ctx, outpoint)
	if err != nil {
		return err
	}
	if sender == "" {
		logger.Warnf(
			"could not resolve sender for %s, skipping",
			evt.Txid,
		)
		return nil
	}
	return p.Settle(ctx, *gameAddress, outpoint, evt.Amount, sender)
}

// Settle evaluates one classified deposit and writes the outcome. It is
// shared by the subscription consumer and the poller fallback.
func (p *Processor) Settle(
	ctx context.Context,
	gameAddress ark.GameAddress,
	outpoint ark.Outpoint,
	betSats uint64,
	sender string,
) error {
	logger := logging.GetLogger()
	multiplier := gameAddress.Multiplier
	nonceValue := p.nonces.Current()
	nonceStr := strconv.FormatUint(nonceValue, 10)

	if betSats > DonationCap(p.maxPayoutSats, multiplier) {
		logger.Infof(
			"received donation of %d sats from %s (over cap for %s)",
			betSats,
			sender,
			multiplier,
		)
		row := &ledger.GameResult{
			Nonce:             nonceStr,
			RolledNumber:      -1,
			InputTxId:         outpoint.Txid,
			BetAmount:         int64(betSats),
			PlayerAddress:     sender,
			IsWinner:          false,
			PaymentSuccessful: false,
			Multiplier:        int64(multiplier.Ratio()),
		}
		if err := p.insertRow(row); err != nil {
			return err
		}
		p.broadcaster.PublishDonation(events.Donation{
			Id:        "donation-" + outpoint.Txid,
			Amount:    betSats,
			Sender:    sender,
			InputTxId: outpoint.Txid,
			Timestamp: events.Now(),
		})
		return nil
	}

	eval := p.game.Evaluate(nonceValue, outpoint.Txid, multiplier)
	if !eval.IsWin {
		logger.Infof(
			"house won: rolled %d against %d, bet %d sats at %s",
			eval.RolledValue,
			multiplier.Threshold(),
			betSats,
			multiplier,
		)
		row := &ledger.GameResult{
			Nonce:         nonceStr,
			RolledNumber:  eval.RolledValue,
			InputTxId:     outpoint.Txid,
			BetAmount:     int64(betSats),
			PlayerAddress: sender,
			IsWinner:      false,
			// Losses settle with no payout
			PaymentSuccessful: true,
			Multiplier:        int64(multiplier.Ratio()),
		}
		if err := p.insertRow(row); err != nil {
			return err
		}
		p.broadcastResult(row, nil)
		return nil
	}

	payoutSats := games.Payout(betSats, eval.PayoutRatio)
	logger.Infof(
		"player won: rolled %d against %d, bet %d sats at %s, payout %d sats",
		eval.RolledValue,
		multiplier.Threshold(),
		betSats,
		multiplier,
		payoutSats,
	)
	winningAmount := int64(payoutSats)
	row := &ledger.GameResult{
		Nonce:         nonceStr,
		RolledNumber:  eval.RolledValue,
		InputTxId:     outpoint.Txid,
		BetAmount:     int64(betSats),
		WinningAmount: &winningAmount,
		PlayerAddress: sender,
		IsWinner:      true,
		Multiplier:    int64(multiplier.Ratio()),
	}
	outputTxid, err := Payout(
		ctx,
		p.backend,
		p.ledger,
		sender,
		payoutSats,
		"payout",
		false,
	)
	if err != nil {
		// Record the round as an unpaid winner; the missed-payouts
		// sweep will retry it
		logger.Errorf(
			"payout for %s failed, recording unpaid winner: %s",
			outpoint.Txid,
			err,
		)
		row.PaymentSuccessful = false
		if err := p.insertRow(row); err != nil {
			return err
		}
		p.broadcastResult(row, nil)
		return nil
	}
	row.PaymentSuccessful = true
	row.OutputTxId = &outputTxid
	if err := p.insertRow(row); err != nil {
		return err
	}
	p.broadcastResult(row, &payoutSats)
	return nil
}

// insertRow writes a game row, treating a duplicate as already settled
func (p *Processor) insertRow(row *ledger.GameResult) error {
	err := p.ledger.InsertGameResult(row)
	if errors.Is(err, ledger.ErrDuplicate) {
		logging.GetLogger().Debugf(
			"game for %s already recorded",
			row.InputTxId,
		)
		return nil
	}
	return err
}

// resolveSender returns the player's refund address: the first parent
// address that is not our own main address. Empty when no external
// sender can be identified.
func (p *Processor) resolveSender(
	ctx context.Context,
	outpoint ark.Outpoint,
) (string, error) {
	addresses, err := p.backend.ParentAddresses(ctx, outpoint)
	if err != nil {
		return "", err
	}
	for _, address := range addresses {
		if address != p.mainAddress {
			return address, nil
		}
	}
	return "", nil
}

func (p *Processor) gameForScript(script string) *ark.GameAddress {
	for i := range p.gameAddresses {
		if p.gameAddresses[i].MatchesScript(script) {
			return &p.gameAddresses[i]
		}
	}
	return nil
}

func (p *Processor) broadcastResult(row *ledger.GameResult, payout *uint64) {
	var revealable *string
	if value, ok := p.nonces.Revealable(row.Nonce); ok {
		revealable = &value
	}
	p.broadcaster.PublishGameResult(events.GameResult{
		Id:           "latest",
		AmountSent:   uint64(row.BetAmount),
		Multiplier:   float64(row.Multiplier) / 100.0,
		ResultNumber: row.RolledNumber,
		TargetNumber: targetNumber(row.Multiplier),
		IsWin:        row.IsWinner,
		Payout:       payout,
		InputTxId:    row.InputTxId,
		OutputTxId:   row.OutputTxId,
		Nonce:        revealable,
		NonceHash:    nonce.Hash(row.Nonce),
		Timestamp:    events.Now(),
	})
}

// targetNumber returns the winning threshold for a stored ratio value
func targetNumber(ratio int64) int64 {
	if multiplier, ok := keys.MultiplierFromRatio(uint64(ratio)); ok {
		return int64(multiplier.Threshold())
	}
	return 0
}

// RunPoller is the fallback processing mode for servers without script
// subscriptions: scan the game address VTXOs on a fixed interval and
// feed unseen ones through the same settlement path. The badger cache
// keeps the set of outpoints already examined so each tick only pays
// attention to new ones.
func (p *Processor) RunPoller(ctx context.Context, interval time.Duration) error {
	logger := logging.GetLogger()
	logger.Infof("polling for new deposits every %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				logger.Errorf("failed to check for new deposits: %s", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Processor) pollOnce(ctx context.Context) error {
	cache := storage.GetStorage()
	var addresses []string
	for _, gameAddress := range p.gameAddresses {
		addresses = append(addresses, gameAddress.Address)
	}
	vtxos, err := p.backend.ListVtxos(ctx, addresses)
	if err != nil {
		return err
	}
	for _, vtxo := range vtxos {
		seen, err := cache.IsOutpointSeen(vtxo.Outpoint)
		if err != nil {
			return err
		}
		if seen {
			continue
		}
		evt := ark.Event{
			Txid:   vtxo.Outpoint.Txid,
			VOut:   vtxo.Outpoint.VOut,
			Amount: vtxo.Amount,
			Script: vtxo.Script,
		}
		if err := p.HandleEvent(ctx, evt); err != nil {
			// Leave the outpoint unmarked so the next tick retries it
			logging.GetLogger().Errorf(
				"failed to process deposit %s: %s",
				vtxo.Outpoint.Txid,
				err,
			)
			continue
		}
		if err := cache.MarkOutpointSeen(vtxo.Outpoint); err != nil {
			return err
		}
	}
	return nil
}
