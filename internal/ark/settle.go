package ark

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bonomat/satsday/internal/logging"

	sdkbatch "github.com/arkade-os/go-sdk/batch"
	sdktypes "github.com/arkade-os/go-sdk/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Settle runs one round of the server's batching protocol, sweeping all
// spendable house VTXOs (including recoverable ones) and confirmed
// boarding outputs into a single new VTXO at the main address. The
// batch session drives intent registration, the signing tree and
// forfeit exchange; we only provide the inputs and the signing
// callback. Returns an empty txid when there is nothing to settle.
func (c *Client) Settle(ctx context.Context) (string, error) {
	logger := logging.GetLogger()

	inputs, total, err := c.settleInputs(ctx)
	if err != nil {
		return "", err
	}
	if len(inputs) == 0 {
		return "", nil
	}

	// Ephemeral cosigner key for the round's signing tree
	cosignerKey, err := btcec.NewPrivateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate cosigner key: %w", err)
	}

	session, err := sdkbatch.NewSession(c.transport, sdkbatch.SessionOptions{
		Inputs: inputs,
		Outputs: []sdktypes.Receiver{
			{To: c.main.address, Amount: total},
		},
		SignInput:   c.signInput,
		CosignerKey: cosignerKey,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create batch session: %w", err)
	}
	commitmentTxid, err := session.Settle(ctx)
	if err != nil {
		return "", classifyRpcError(err)
	}
	logger.Infof(
		"settled %d inputs (%d sats) in round %s",
		len(inputs),
		total,
		commitmentTxid,
	)
	return commitmentTxid, nil
}

// settleInputs gathers every input the house can bring to a round:
// offchain VTXOs (spendable and recoverable) plus confirmed boarding
// outputs
func (c *Client) settleInputs(
	ctx context.Context,
) ([]sdkbatch.Input, uint64, error) {
	var inputs []sdkbatch.Input
	var total uint64

	ownerByScript := make(map[string]*houseKey)
	addresses := []string{c.main.address}
	ownerByScript[c.main.scriptHex] = c.main
	ownerByScript[c.main.subDustHex] = c.main
	for _, key := range c.games {
		addresses = append(addresses, key.address)
		ownerByScript[key.scriptHex] = key
		ownerByScript[key.subDustHex] = key
	}
	vtxos, err := c.ListVtxos(ctx, addresses)
	if err != nil {
		return nil, 0, err
	}
	for _, vtxo := range vtxos {
		if vtxo.IsSpent {
			continue
		}
		owner, ok := ownerByScript[vtxo.Script]
		if !ok {
			continue
		}
		txidHash, err := chainhash.NewHashFromStr(vtxo.Outpoint.Txid)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: bad vtxo txid: %s", ErrProtocol, err)
		}
		inputs = append(inputs, sdkbatch.Input{
			Outpoint: &wire.OutPoint{
				Hash:  *txidHash,
				Index: vtxo.Outpoint.VOut,
			},
			Amount: int64(vtxo.Amount),
			Tapscripts: []string{
				hex.EncodeToString(owner.script.ForfeitScript),
				hex.EncodeToString(owner.script.ExitScript),
			},
			Recoverable: vtxo.IsRecoverable,
		})
		total += vtxo.Amount
	}

	utxos, err := c.explorer.GetUtxos(c.boardingAddr)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch boarding utxos: %w", err)
	}
	now := time.Now()
	for _, utxo := range utxos {
		if !utxo.Status.Confirmed {
			continue
		}
		// Boarding outputs past the exit delay can no longer be swept
		// cooperatively
		expiry := time.Unix(utxo.Status.BlockTime, 0).
			Add(time.Duration(c.boardingExitDelay) * time.Second)
		if now.After(expiry) {
			continue
		}
		txidHash, err := chainhash.NewHashFromStr(utxo.Txid)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: bad boarding txid: %s", ErrProtocol, err)
		}
		inputs = append(inputs, sdkbatch.Input{
			Outpoint: &wire.OutPoint{
				Hash:  *txidHash,
				Index: utxo.Vout,
			},
			Amount: int64(utxo.Amount),
			Tapscripts: []string{
				hex.EncodeToString(c.boardingScript.ForfeitScript),
				hex.EncodeToString(c.boardingScript.ExitScript),
			},
			OnChain: true,
		})
		total += utxo.Amount
	}
	return inputs, total, nil
}
