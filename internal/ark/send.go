package ark

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/bonomat/satsday/internal/logging"

	sdkoffchain "github.com/arkade-os/go-sdk/offchain"
	sdktypes "github.com/arkade-os/go-sdk/types"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// spendableVtxo is a house VTXO together with the key that controls it
type spendableVtxo struct {
	VtxoOutPoint
	owner *houseKey
}

// Send builds, signs, submits and finalises an offchain payment to the
// given address. Coins are selected across the main and game VTXOs.
// Payouts below the server's dust value spend through the sub-dust
// script form; the caller only sees success or failure.
func (c *Client) Send(
	ctx context.Context,
	address string,
	amountSats uint64,
) (string, error) {
	logger := logging.GetLogger()
	if _, _, _, err := DecodeAddress(address); err != nil {
		return "", err
	}
	candidates, err := c.spendableHouseVtxos(ctx)
	if err != nil {
		return "", err
	}
	selected, change, err := selectVtxos(candidates, amountSats)
	if err != nil {
		return "", err
	}
	receivers := []sdktypes.Receiver{
		{To: address, Amount: amountSats},
	}
	if change > 0 {
		receivers = append(receivers, sdktypes.Receiver{
			To:     c.main.address,
			Amount: change,
		})
	}
	inputs := make([]sdkoffchain.VtxoInput, 0, len(selected))
	for _, vtxo := range selected {
		txidHash, err := chainhash.NewHashFromStr(vtxo.Outpoint.Txid)
		if err != nil {
			return "", fmt.Errorf("%w: bad vtxo txid: %s", ErrProtocol, err)
		}
		inputs = append(inputs, sdkoffchain.VtxoInput{
			Outpoint: &wire.OutPoint{
				Hash:  *txidHash,
				Index: vtxo.Outpoint.VOut,
			},
			Amount: int64(vtxo.Amount),
			Tapscripts: []string{
				hex.EncodeToString(vtxo.owner.script.ForfeitScript),
				hex.EncodeToString(vtxo.owner.script.ExitScript),
			},
			RevealedTapscript: hex.EncodeToString(vtxo.owner.script.ForfeitScript),
		})
	}
	arkTx, checkpointTxs, err := sdkoffchain.BuildTxs(inputs, receivers)
	if err != nil {
		return "", fmt.Errorf("failed to build offchain transactions: %w", err)
	}
	if err := sdkoffchain.SignArkTx(c.signInput, arkTx); err != nil {
		return "", fmt.Errorf("failed to sign ark transaction: %w", err)
	}
	arkTxid := arkTx.UnsignedTx.TxHash().String()
	arkTxB64, err := arkTx.B64Encode()
	if err != nil {
		return "", fmt.Errorf("failed to encode ark transaction: %w", err)
	}
	checkpointB64s := make([]string, 0, len(checkpointTxs))
	for _, checkpoint := range checkpointTxs {
		encoded, err := checkpoint.B64Encode()
		if err != nil {
			return "", fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		checkpointB64s = append(checkpointB64s, encoded)
	}
	res, err := c.transport.SubmitTx(ctx, arkTxB64, checkpointB64s)
	if err != nil {
		return "", classifyRpcError(err)
	}
	// Counter-sign the server-signed checkpoints and finalise
	finalCheckpoints := make([]string, 0, len(res.SignedCheckpointTxs))
	for _, signedCheckpoint := range res.SignedCheckpointTxs {
		packet, err := psbt.NewFromRawBytes(
			strings.NewReader(signedCheckpoint),
			true,
		)
		if err != nil {
			return "", fmt.Errorf("%w: bad signed checkpoint: %s", ErrProtocol, err)
		}
		if err := sdkoffchain.SignCheckpointTx(c.signInput, packet); err != nil {
			return "", fmt.Errorf("failed to sign checkpoint: %w", err)
		}
		encoded, err := packet.B64Encode()
		if err != nil {
			return "", fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		finalCheckpoints = append(finalCheckpoints, encoded)
	}
	if err := c.transport.FinalizeTx(ctx, arkTxid, finalCheckpoints); err != nil {
		return "", classifyRpcError(err)
	}
	logger.Debugf("sent %d sats to %s in %s", amountSats, address, arkTxid)
	return arkTxid, nil
}

// spendableHouseVtxos lists the VTXOs the house can spend right now,
// across the main and game addresses, with their controlling keys
func (c *Client) spendableHouseVtxos(ctx context.Context) ([]spendableVtxo, error) {
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
		return nil, err
	}
	ret := make([]spendableVtxo, 0, len(vtxos))
	for _, vtxo := range vtxos {
		if vtxo.IsSpent || vtxo.IsRecoverable {
			continue
		}
		owner, ok := ownerByScript[vtxo.Script]
		if !ok {
			continue
		}
		ret = append(ret, spendableVtxo{VtxoOutPoint: vtxo, owner: owner})
	}
	return ret, nil
}

// selectVtxos picks inputs covering the target amount, spending the
// soonest-expiring coins first. Returns the selection and the change.
func selectVtxos(
	candidates []spendableVtxo,
	target uint64,
) ([]spendableVtxo, uint64, error) {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ExpiresAt.Before(candidates[j].ExpiresAt)
	})
	var selected []spendableVtxo
	var total uint64
	for _, candidate := range candidates {
		if total >= target {
			break
		}
		selected = append(selected, candidate)
		total += candidate.Amount
	}
	if total < target {
		return nil, 0, fmt.Errorf(
			"insufficient funds: have %d sats, need %d",
			total,
			target,
		)
	}
	return selected, total - target, nil
}

// signInput is the signing callback handed to the transaction builders.
// It matches the input's witness script to a house key and produces a
// schnorr signature over the supplied sighash.
func (c *Client) signInput(
	input *psbt.PInput,
	msg []byte,
) ([]byte, []byte, error) {
	if input.WitnessUtxo == nil {
		return nil, nil, fmt.Errorf("%w: input has no witness utxo", ErrProtocol)
	}
	scriptHex := hex.EncodeToString(input.WitnessUtxo.PkScript)
	owner := c.ownerForScript(scriptHex)
	if owner == nil {
		return nil, nil, fmt.Errorf("no key found for script %s", scriptHex)
	}
	sig, err := schnorr.Sign(owner.priv, msg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign input: %w", err)
	}
	return sig.Serialize(), owner.xonly, nil
}

func (c *Client) ownerForScript(scriptHex string) *houseKey {
	if scriptHex == c.main.scriptHex || scriptHex == c.main.subDustHex {
		return c.main
	}
	for _, key := range c.games {
		if scriptHex == key.scriptHex || scriptHex == key.subDustHex {
			return key
		}
	}
	return nil
}
