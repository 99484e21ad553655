package recovery_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bonomat/satsday/internal/ark"
	"github.com/bonomat/satsday/internal/games"
	"github.com/bonomat/satsday/internal/keys"
	"github.com/bonomat/satsday/internal/ledger"
	"github.com/bonomat/satsday/internal/nonce"
	"github.com/bonomat/satsday/internal/recovery"
)

const (
	testMainAddress   = "ark1housemain"
	testPlayerAddress = "ark1player"
	testMaxPayoutSats = 100_000
)

var testGameScript = "5120" + strings.Repeat("aa", 32)

type sendCall struct {
	address string
	amount  uint64
}

type fakeBackend struct {
	vtxos     []ark.VtxoOutPoint
	sendErr   error
	sendCalls []sendCall
}

func (f *fakeBackend) MainAddress() string {
	return testMainAddress
}

func (f *fakeBackend) BoardingAddress() string {
	return "bc1ptestboarding"
}

func (f *fakeBackend) GameAddresses() []ark.GameAddress {
	return []ark.GameAddress{
		{
			Multiplier:    keys.MultiplierX200,
			Address:       "ark1game200",
			Script:        testGameScript,
			SubDustScript: "6a20" + strings.Repeat("aa", 32),
		},
	}
}

func (f *fakeBackend) DustValue() uint64 {
	return 330
}

func (f *fakeBackend) SubscribeScripts(
	_ context.Context,
	_ []string,
) (string, error) {
	return "sub-1", nil
}

func (f *fakeBackend) Events(
	_ context.Context,
	_ string,
) (<-chan ark.Event, error) {
	ch := make(chan ark.Event)
	close(ch)
	return ch, nil
}

func (f *fakeBackend) ListVtxos(
	_ context.Context,
	_ []string,
) ([]ark.VtxoOutPoint, error) {
	return f.vtxos, nil
}

func (f *fakeBackend) ParentAddresses(
	_ context.Context,
	_ ark.Outpoint,
) ([]string, error) {
	return []string{testPlayerAddress}, nil
}

func (f *fakeBackend) Send(
	_ context.Context,
	address string,
	amountSats uint64,
) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	txid := fmt.Sprintf("payout-%d", len(f.sendCalls))
	f.sendCalls = append(f.sendCalls, sendCall{
		address: address,
		amount:  amountSats,
	})
	return txid, nil
}

func (f *fakeBackend) Settle(_ context.Context) (string, error) {
	return "", nil
}

func (f *fakeBackend) Balance(_ context.Context) (*ark.Balance, error) {
	return &ark.Balance{}, nil
}

type testHarness struct {
	backend  *fakeBackend
	ledger   *ledger.Ledger
	nonces   *nonce.Service
	recovery *recovery.Recovery
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	lg, err := ledger.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	t.Cleanup(func() {
		_ = lg.Close()
	})
	nonces, err := nonce.NewService(lg, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("failed to create nonce service: %v", err)
	}
	t.Cleanup(nonces.Stop)
	backend := &fakeBackend{}
	return &testHarness{
		backend:  backend,
		ledger:   lg,
		nonces:   nonces,
		recovery: recovery.New(backend, lg, nonces, testMaxPayoutSats),
	}
}

func (h *testHarness) findTxid(
	t *testing.T,
	wantWin bool,
) string {
	t.Helper()
	game := games.New(games.TypeSatoshisNumber)
	nonceValue := h.nonces.Current()
	for i := 0; i < 100_000; i++ {
		txid := fmt.Sprintf("%064x", i)
		if game.Evaluate(nonceValue, txid, keys.MultiplierX200).IsWin == wantWin {
			return txid
		}
	}
	t.Fatalf("could not find a fitting txid")
	return ""
}

func (h *testHarness) addVtxo(txid string, amount uint64) {
	h.backend.vtxos = append(h.backend.vtxos, ark.VtxoOutPoint{
		Outpoint: ark.Outpoint{Txid: txid, VOut: 0},
		Amount:   amount,
		Script:   testGameScript,
	})
}

func TestMissedGamesRecordsWithoutPaying(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	winTxid := h.findTxid(t, true)
	loseTxid := h.findTxid(t, false)
	h.addVtxo(winTxid, 500)
	h.addVtxo(loseTxid, 500)
	// Over the 50k cap at 2x
	donationTxid := strings.Repeat("d0", 32)
	h.addVtxo(donationTxid, 60_000)
	// One of our own payouts sitting on a game address
	if err := h.ledger.InsertOwnTransaction("payout-old", "payout"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.addVtxo("payout-old", 1000)

	if err := h.recovery.MissedGames(ctx, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Missed games never sends money
	if len(h.backend.sendCalls) != 0 {
		t.Fatalf(
			"missed-games must not send payouts, got %d",
			len(h.backend.sendCalls),
		)
	}
	count, err := h.ledger.GetTotalGameCount()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected rows for win, loss and donation, got %d", count)
	}

	winners, err := h.ledger.GetUnpaidWinners()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(winners) != 1 {
		t.Fatalf("expected one unpaid winner, got %d", len(winners))
	}
	winner := winners[0]
	if winner.InputTxId != winTxid {
		t.Errorf("unexpected unpaid winner: %s", winner.InputTxId)
	}
	if winner.WinningAmount == nil || *winner.WinningAmount != 1000 {
		t.Errorf("unpaid winner should record the owed amount")
	}
}

func TestMissedPayoutsPaysAndMarks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	winTxid := h.findTxid(t, true)
	h.addVtxo(winTxid, 500)
	if err := h.recovery.MissedGames(ctx, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := h.recovery.MissedPayouts(ctx, false, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.backend.sendCalls) != 1 {
		t.Fatalf("expected one retry payout, got %d", len(h.backend.sendCalls))
	}
	if h.backend.sendCalls[0].address != testPlayerAddress {
		t.Errorf("retry payout should go to the player")
	}
	if h.backend.sendCalls[0].amount != 1000 {
		t.Errorf("retry payout amount should be 1000, got %d", h.backend.sendCalls[0].amount)
	}

	winners, err := h.ledger.GetUnpaidWinners()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(winners) != 0 {
		t.Errorf("winner should be marked paid")
	}
	isOwn, err := h.ledger.IsOwnTransaction("payout-0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isOwn {
		t.Errorf("retry payout txid should be recorded as own transaction")
	}
}

// A crash after send but before the game row is written leaves the
// deposit VTXO unaccounted. The sweeps settle it exactly once on our
// ledger, at-least-once on the wire.
func TestRecoveryFromCrashMidPayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	winTxid := h.findTxid(t, true)
	h.addVtxo(winTxid, 500)
	// The pre-crash payout made it into own_transactions but the game
	// row never followed
	if err := h.ledger.InsertOwnTransaction("payout-precrash", "payout"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := h.recovery.MissedGames(ctx, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.recovery.MissedPayouts(ctx, false, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The deposit settled once and was paid again on the wire
	count, err := h.ledger.GetTotalGameCount()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one game row, got %d", count)
	}
	if len(h.backend.sendCalls) != 1 {
		t.Fatalf("expected one fresh payout, got %d", len(h.backend.sendCalls))
	}
	// Both the pre-crash and the fresh payout are own transactions
	for _, txid := range []string{"payout-precrash", "payout-0"} {
		isOwn, err := h.ledger.IsOwnTransaction(txid)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !isOwn {
			t.Errorf("%s should be an own transaction", txid)
		}
	}
}

// Running the sweeps twice yields the same ledger state as running them
// once
func TestRecoveryIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addVtxo(h.findTxid(t, true), 500)
	h.addVtxo(h.findTxid(t, false), 500)

	for i := 0; i < 2; i++ {
		if err := h.recovery.MissedGames(ctx, false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := h.recovery.MissedPayouts(ctx, false, 0); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	count, err := h.ledger.GetTotalGameCount()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Errorf("repeat sweeps must not add rows, got %d", count)
	}
	if len(h.backend.sendCalls) != 1 {
		t.Errorf(
			"repeat sweeps must not pay again, got %d sends",
			len(h.backend.sendCalls),
		)
	}
}

func TestRecoveryDryRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addVtxo(h.findTxid(t, true), 500)

	if err := h.recovery.MissedGames(ctx, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	count, err := h.ledger.GetTotalGameCount()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("dry run must not write rows, got %d", count)
	}

	// Seed a real unpaid winner and dry-run the payout sweep
	if err := h.recovery.MissedGames(ctx, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.recovery.MissedPayouts(ctx, true, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.backend.sendCalls) != 0 {
		t.Errorf("dry run must not send payouts")
	}
	winners, err := h.ledger.GetUnpaidWinners()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(winners) != 1 {
		t.Errorf("dry run must leave the winner unpaid")
	}
}

func TestMissedPayoutsReportsFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addVtxo(h.findTxid(t, true), 500)
	if err := h.recovery.MissedGames(ctx, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h.backend.sendErr = ark.ErrProtocol
	if err := h.recovery.MissedPayouts(ctx, false, 0); err == nil {
		t.Errorf("failed retry payouts should surface as an error")
	}
	winners, err := h.ledger.GetUnpaidWinners()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(winners) != 1 {
		t.Errorf("failed payout must leave the winner unpaid for the next sweep")
	}
}
