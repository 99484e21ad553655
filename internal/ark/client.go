package ark

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/bonomat/satsday/internal/config"
	"github.com/bonomat/satsday/internal/keys"
	"github.com/bonomat/satsday/internal/logging"

	sdkclient "github.com/arkade-os/go-sdk/client"
	grpcclient "github.com/arkade-os/go-sdk/client/grpc"
	"github.com/arkade-os/go-sdk/explorer"
	sdkindexer "github.com/arkade-os/go-sdk/indexer"
	indexergrpc "github.com/arkade-os/go-sdk/indexer/grpc"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
)

// houseKey is one signing key of the house together with the VTXO script
// and addresses derived from it
type houseKey struct {
	priv          *btcec.PrivateKey
	xonly         []byte
	script        *vtxoScript
	address       string
	scriptHex     string
	subDustHex    string
}

// Client implements Backend over the Ark server's gRPC transport and
// indexer services plus an esplora explorer for boarding outputs. It is
// safe for concurrent use: the underlying gRPC clients multiplex calls
// over a shared connection.
type Client struct {
	transport sdkclient.TransportClient
	indexer   sdkindexer.Indexer
	explorer  explorer.Explorer

	// Server x-only signer key, dust and exit delays from GetInfo
	signerKey           []byte
	dust                uint64
	unilateralExitDelay int64
	boardingExitDelay   int64

	hrp            string
	chainParams    *chaincfg.Params
	main           *houseKey
	boardingAddr   string
	boardingScript *vtxoScript
	games          map[keys.Multiplier]*houseKey
}

// NewClient connects to the configured Ark server, derives the house
// address set from the key ring and returns a ready adapter
func NewClient(
	ctx context.Context,
	cfg *config.Config,
	keyRing *keys.KeyRing,
) (*Client, error) {
	transport, err := grpcclient.NewClient(cfg.ArkServerUrl)
	if err != nil {
		return nil, classifyRpcError(err)
	}
	info, err := transport.GetInfo(ctx)
	if err != nil {
		return nil, classifyRpcError(err)
	}
	signerKeyBytes, err := hex.DecodeString(info.SignerPubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signer key: %s", ErrProtocol, err)
	}
	signerPub, err := btcec.ParsePubKey(signerKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signer key: %s", ErrProtocol, err)
	}
	indexerClient, err := indexergrpc.NewClient(cfg.ArkServerUrl)
	if err != nil {
		return nil, classifyRpcError(err)
	}
	explorerClient, err := explorer.NewExplorer(cfg.EsploraUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to create explorer client: %w", err)
	}

	c := &Client{
		transport:           transport,
		indexer:             indexerClient,
		explorer:            explorerClient,
		signerKey:           schnorr.SerializePubKey(signerPub),
		dust:                info.Dust,
		unilateralExitDelay: info.UnilateralExitDelay,
		boardingExitDelay:   info.BoardingExitDelay,
		hrp:                 cfg.AddressPrefix(),
		chainParams:         ChainParams(cfg),
		games:               make(map[keys.Multiplier]*houseKey),
	}

	mainPriv, err := keyRing.MainKey()
	if err != nil {
		return nil, err
	}
	c.main, err = c.newHouseKey(mainPriv)
	if err != nil {
		return nil, err
	}
	if err := c.buildBoardingAddress(mainPriv); err != nil {
		return nil, err
	}
	gameKeys, err := keyRing.GameKeys()
	if err != nil {
		return nil, err
	}
	for multiplier, priv := range gameKeys {
		key, err := c.newHouseKey(priv)
		if err != nil {
			return nil, err
		}
		c.games[multiplier] = key
	}
	return c, nil
}

func (c *Client) newHouseKey(priv *btcec.PrivateKey) (*houseKey, error) {
	xonly := schnorr.SerializePubKey(priv.PubKey())
	script, err := newVtxoScript(c.signerKey, xonly, c.unilateralExitDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to build vtxo script: %w", err)
	}
	address, err := EncodeAddress(c.hrp, c.signerKey, script.TapKey)
	if err != nil {
		return nil, err
	}
	scriptHex, err := p2trScript(script.TapKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build script pubkey: %w", err)
	}
	subDustHex, err := subDustScript(script.TapKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build sub-dust script: %w", err)
	}
	return &houseKey{
		priv:       priv,
		xonly:      xonly,
		script:     script,
		address:    address,
		scriptHex:  scriptHex,
		subDustHex: subDustHex,
	}, nil
}

func (c *Client) buildBoardingAddress(mainPriv *btcec.PrivateKey) error {
	xonly := schnorr.SerializePubKey(mainPriv.PubKey())
	script, err := newVtxoScript(c.signerKey, xonly, c.boardingExitDelay)
	if err != nil {
		return fmt.Errorf("failed to build boarding script: %w", err)
	}
	address, err := btcutil.NewAddressTaproot(script.TapKey, c.chainParams)
	if err != nil {
		return fmt.Errorf("failed to build boarding address: %w", err)
	}
	c.boardingAddr = address.EncodeAddress()
	c.boardingScript = script
	return nil
}

// ChainParams maps the configured network onto Bitcoin chain params
func ChainParams(cfg *config.Config) *chaincfg.Params {
	switch cfg.Network {
	case "bitcoin":
		return &chaincfg.MainNetParams
	case "testnet":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.SigNetParams
	}
}

func (c *Client) MainAddress() string {
	return c.main.address
}

func (c *Client) BoardingAddress() string {
	return c.boardingAddr
}

func (c *Client) DustValue() uint64 {
	return c.dust
}

func (c *Client) GameAddresses() []GameAddress {
	ret := make([]GameAddress, 0, len(c.games))
	for _, multiplier := range keys.AllMultipliers() {
		key := c.games[multiplier]
		ret = append(ret, GameAddress{
			Multiplier:    multiplier,
			Address:       key.address,
			Script:        key.scriptHex,
			SubDustScript: key.subDustHex,
		})
	}
	return ret
}

func (c *Client) SubscribeScripts(
	ctx context.Context,
	scripts []string,
) (string, error) {
	subscriptionId, err := c.indexer.SubscribeForScripts(ctx, "", scripts)
	if err != nil {
		return "", classifyRpcError(err)
	}
	logging.GetLogger().Infof(
		"subscribed %d scripts, subscription %s",
		len(scripts),
		subscriptionId,
	)
	return subscriptionId, nil
}

func (c *Client) Events(
	ctx context.Context,
	subscriptionId string,
) (<-chan Event, error) {
	eventChan, closeFn, err := c.indexer.GetSubscription(ctx, subscriptionId)
	if err != nil {
		return nil, classifyRpcError(err)
	}
	out := make(chan Event)
	go func() {
		defer close(out)
		defer closeFn()
		logger := logging.GetLogger()
		for evt := range eventChan {
			for _, vtxo := range evt.NewVtxos {
				if !c.isGameScript(vtxo.Script) {
					logger.Debugf(
						"ignoring notification for unknown script %s",
						vtxo.Script,
					)
					continue
				}
				out <- Event{
					Txid:   vtxo.Txid,
					VOut:   vtxo.VOut,
					Amount: vtxo.Amount,
					Script: vtxo.Script,
				}
			}
		}
	}()
	return out, nil
}

func (c *Client) isGameScript(script string) bool {
	for _, key := range c.games {
		if script == key.scriptHex || script == key.subDustHex {
			return true
		}
	}
	return false
}

func (c *Client) ListVtxos(
	ctx context.Context,
	addresses []string,
) ([]VtxoOutPoint, error) {
	// Query both script forms of every address so sub-dust deposits are
	// not missed
	scripts := make([]string, 0, 2*len(addresses))
	for _, address := range addresses {
		_, _, vtxoKey, err := DecodeAddress(address)
		if err != nil {
			return nil, err
		}
		script, err := p2trScript(vtxoKey)
		if err != nil {
			return nil, err
		}
		subDust, err := subDustScript(vtxoKey)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, script, subDust)
	}
	resp, err := c.indexer.GetVtxos(
		ctx,
		sdkindexer.WithScripts(scripts...),
	)
	if err != nil {
		return nil, classifyRpcError(err)
	}
	ret := make([]VtxoOutPoint, 0, len(resp.Vtxos))
	for _, vtxo := range resp.Vtxos {
		ret = append(ret, VtxoOutPoint{
			Outpoint: Outpoint{
				Txid: vtxo.Txid,
				VOut: vtxo.VOut,
			},
			Amount:        vtxo.Amount,
			Script:        vtxo.Script,
			ExpiresAt:     vtxo.ExpiresAt,
			IsSpent:       vtxo.Spent,
			IsRecoverable: vtxo.Swept && !vtxo.Spent,
		})
	}
	return ret, nil
}

func (c *Client) ParentAddresses(
	ctx context.Context,
	outpoint Outpoint,
) ([]string, error) {
	logger := logging.GetLogger()
	resp, err := c.indexer.GetVirtualTxs(ctx, []string{outpoint.Txid})
	if err != nil {
		return nil, classifyRpcError(err)
	}
	// Collect the previous outpoints of every input of the deposit
	// transaction; those are the player's checkpoint transactions
	var parentTxids []string
	for _, rawTx := range resp.Txs {
		packet, err := psbt.NewFromRawBytes(strings.NewReader(rawTx), true)
		if err != nil {
			return nil, fmt.Errorf("%w: bad virtual tx: %s", ErrProtocol, err)
		}
		for _, txIn := range packet.UnsignedTx.TxIn {
			parentTxids = append(parentTxids, txIn.PreviousOutPoint.Hash.String())
		}
	}
	if len(parentTxids) == 0 {
		logger.Warnf("no parent found for %s", outpoint.Txid)
		return nil, nil
	}
	var addresses []string
	seen := make(map[string]bool)
	for _, parentTxid := range parentTxids {
		parentResp, err := c.indexer.GetVirtualTxs(ctx, []string{parentTxid})
		if err != nil {
			return nil, classifyRpcError(err)
		}
		if len(parentResp.Txs) == 0 {
			logger.Debugf("checkpoint tx %s not found", parentTxid)
			continue
		}
		packet, err := psbt.NewFromRawBytes(
			strings.NewReader(parentResp.Txs[0]),
			true,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: bad checkpoint tx: %s", ErrProtocol, err)
		}
		if len(packet.Inputs) == 0 || packet.Inputs[0].WitnessUtxo == nil {
			logger.Debugf("checkpoint tx %s has no witness utxo", parentTxid)
			continue
		}
		scriptHex := hex.EncodeToString(packet.Inputs[0].WitnessUtxo.PkScript)
		tapKey := tapKeyFromScript(scriptHex)
		if tapKey == nil {
			logger.Debugf(
				"checkpoint input script is not a vtxo script: %s",
				scriptHex,
			)
			continue
		}
		address, err := EncodeAddress(c.hrp, c.signerKey, tapKey)
		if err != nil {
			return nil, err
		}
		if !seen[address] {
			seen[address] = true
			addresses = append(addresses, address)
		}
	}
	return addresses, nil
}

func (c *Client) Balance(ctx context.Context) (*Balance, error) {
	addresses := []string{c.main.address}
	for _, game := range c.GameAddresses() {
		addresses = append(addresses, game.Address)
	}
	vtxos, err := c.ListVtxos(ctx, addresses)
	if err != nil {
		return nil, err
	}
	var balance Balance
	for _, vtxo := range vtxos {
		if vtxo.IsSpent {
			continue
		}
		if vtxo.IsRecoverable {
			balance.OffchainExpired += vtxo.Amount
		} else {
			balance.OffchainSpendable += vtxo.Amount
		}
	}
	utxos, err := c.explorer.GetUtxos(c.boardingAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch boarding utxos: %w", err)
	}
	now := time.Now()
	for _, utxo := range utxos {
		if !utxo.Status.Confirmed {
			balance.BoardingPending += utxo.Amount
			continue
		}
		expiry := time.Unix(utxo.Status.BlockTime, 0).
			Add(time.Duration(c.boardingExitDelay) * time.Second)
		if now.After(expiry) {
			balance.BoardingExpired += utxo.Amount
		} else {
			balance.BoardingSpendable += utxo.Amount
		}
	}
	return &balance, nil
}
