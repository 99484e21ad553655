package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/bonomat/satsday/internal/api"
	"github.com/bonomat/satsday/internal/ark"
	"github.com/bonomat/satsday/internal/config"
	"github.com/bonomat/satsday/internal/events"
	"github.com/bonomat/satsday/internal/keys"
	"github.com/bonomat/satsday/internal/ledger"
	"github.com/bonomat/satsday/internal/logging"
	"github.com/bonomat/satsday/internal/nonce"
	"github.com/bonomat/satsday/internal/processor"
	"github.com/bonomat/satsday/internal/recovery"
	"github.com/bonomat/satsday/internal/storage"
	"github.com/bonomat/satsday/internal/telegram"
	"github.com/bonomat/satsday/internal/version"

	"github.com/jessevdk/go-flags"
	_ "go.uber.org/automaxprocs"
)

const programName = "satsday"

var opts struct {
	Config  string `short:"c" long:"config"  description:"path to config file to load"`
	Version bool   `long:"version" description:"show version"`
}

// app bundles the pieces every command needs
type app struct {
	cfg     *config.Config
	ledger  *ledger.Ledger
	backend *ark.Client
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logging.Configure()

	seed, err := os.ReadFile(cfg.MasterSeedFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read master seed file: %w", err)
	}
	keyRing, err := keys.NewKeyRing(string(seed), ark.ChainParams(cfg))
	if err != nil {
		return nil, err
	}
	lg, err := ledger.New(cfg.Database)
	if err != nil {
		return nil, err
	}
	backend, err := ark.NewClient(ctx, cfg, keyRing)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:     cfg,
		ledger:  lg,
		backend: backend,
	}, nil
}

type startCommand struct {
	Port uint `short:"p" long:"port" description:"API listen port" default:"0"`
}

func (c *startCommand) Execute(_ []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	logger := logging.GetLogger()
	// Sync logger on exit
	defer func() {
		if err := logger.Sync(); err != nil {
			// We don't actually care about the error here, but we have to do something
			// to appease the linter
			return
		}
	}()

	if err := storage.GetStorage().Load(); err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	// Start debug listener
	if a.cfg.Debug.ListenPort > 0 {
		logger.Infof(
			"starting debug listener on %s:%d",
			a.cfg.Debug.ListenAddress,
			a.cfg.Debug.ListenPort,
		)
		go func() {
			err := http.ListenAndServe(
				fmt.Sprintf(
					"%s:%d",
					a.cfg.Debug.ListenAddress,
					a.cfg.Debug.ListenPort,
				),
				nil,
			)
			if err != nil {
				logger.Fatalf("failed to start debug listener: %s", err)
			}
		}()
	}

	nonces, err := nonce.NewService(
		a.ledger,
		time.Duration(a.cfg.NonceRotationHours)*time.Hour,
		time.Duration(a.cfg.NonceValidityHours)*time.Hour,
	)
	if err != nil {
		return err
	}
	nonces.Start()

	broadcaster := events.NewBroadcaster()

	logger.Infof("main address: %s", a.backend.MainAddress())
	logger.Infof("boarding address: %s", a.backend.BoardingAddress())
	for _, gameAddress := range a.backend.GameAddresses() {
		logger.Infof(
			"game address %s: %s",
			gameAddress.Multiplier,
			gameAddress.Address,
		)
	}

	// Catch up on anything we missed while down. Missed games first so
	// that missed payouts sees every unpaid winner.
	recov := recovery.New(a.backend, a.ledger, nonces, a.cfg.MaxPayoutSats)
	if err := recov.MissedGames(ctx, false); err != nil {
		logger.Errorf("startup missed-games sweep failed: %s", err)
	}
	if err := recov.MissedPayouts(ctx, false, 0); err != nil {
		logger.Errorf("startup missed-payouts sweep failed: %s", err)
	}

	// Periodic VTXO snapshot refresh plus the recovery pair
	go runVtxoSync(ctx, a, recov)

	// Read surface
	listenPort := a.cfg.ListenPort
	if c.Port > 0 {
		listenPort = c.Port
	}
	apiServer := api.New(
		a.backend,
		a.ledger,
		nonces,
		broadcaster,
		a.cfg.MaxPayoutSats,
	)
	go func() {
		addr := fmt.Sprintf("%s:%d", a.cfg.ListenAddress, listenPort)
		if err := apiServer.StartServer(addr); err != nil {
			logger.Fatalf("failed to start API server: %s", err)
		}
	}()

	if a.cfg.Telegram.Token != "" {
		bot := telegram.NewBot(
			a.cfg.Telegram.Token,
			a.cfg.Telegram.Secret,
			a.ledger,
			broadcaster,
		)
		go bot.Run(ctx)
	}

	// The settlement pipeline runs in the foreground. A dead
	// subscription stream is fatal by design: the supervisor restarts
	// us and the startup sweeps above catch up.
	proc := processor.New(
		a.backend,
		a.ledger,
		nonces,
		broadcaster,
		a.cfg.MaxPayoutSats,
	)
	if a.cfg.PollMode {
		err = proc.RunPoller(
			ctx,
			time.Duration(a.cfg.TxCheckInterval)*time.Second,
		)
	} else {
		err = proc.Run(ctx)
	}
	logger.Fatalf("settlement pipeline stopped: %s", err)
	return nil
}

// runVtxoSync refreshes the cached VTXO snapshot for every game address
// and re-runs the recovery pair on a fixed cadence
func runVtxoSync(ctx context.Context, a *app, recov *recovery.Recovery) {
	logger := logging.GetLogger()
	interval := time.Duration(a.cfg.VtxoSyncInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		for _, gameAddress := range a.backend.GameAddresses() {
			vtxos, err := a.backend.ListVtxos(
				ctx,
				[]string{gameAddress.Address},
			)
			if err != nil {
				logger.Errorf("failed to refresh VTXO snapshot: %s", err)
				continue
			}
			err = storage.GetStorage().UpdateVtxoSnapshot(
				gameAddress.Address,
				vtxos,
			)
			if err != nil {
				logger.Errorf("failed to cache VTXO snapshot: %s", err)
			}
		}
		if err := storage.GetStorage().UpdateSyncCursor(time.Now()); err != nil {
			logger.Errorf("failed to update sync cursor: %s", err)
		}
		if err := recov.MissedGames(ctx, false); err != nil {
			logger.Errorf("missed-games sweep failed: %s", err)
		}
		if err := recov.MissedPayouts(ctx, false, 0); err != nil {
			logger.Errorf("missed-payouts sweep failed: %s", err)
		}
	}
}

type balanceCommand struct{}

func (c *balanceCommand) Execute(_ []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	balance, err := a.backend.Balance(ctx)
	if err != nil {
		return err
	}
	fmt.Printf(
		"Offchain balance: spendable = %d, expired = %d\n",
		balance.OffchainSpendable,
		balance.OffchainExpired,
	)
	fmt.Printf(
		"Boarding balance: spendable = %d, expired = %d, pending = %d\n",
		balance.BoardingSpendable,
		balance.BoardingExpired,
		balance.BoardingPending,
	)
	return nil
}

type addressCommand struct{}

func (c *addressCommand) Execute(_ []string) error {
	a, err := newApp(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Offchain address: %s\n", a.backend.MainAddress())
	return nil
}

type gameAddressesCommand struct{}

func (c *gameAddressesCommand) Execute(_ []string) error {
	a, err := newApp(context.Background())
	if err != nil {
		return err
	}
	for _, gameAddress := range a.backend.GameAddresses() {
		fmt.Printf(
			"Game address %s: %s\n",
			gameAddress.Multiplier,
			gameAddress.Address,
		)
	}
	return nil
}

type boardingAddressCommand struct{}

func (c *boardingAddressCommand) Execute(_ []string) error {
	a, err := newApp(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Boarding address: %s\n", a.backend.BoardingAddress())
	return nil
}

type sendCommand struct {
	Args struct {
		Address string `positional-arg-name:"address"`
		Amount  uint64 `positional-arg-name:"amount"`
	} `positional-args:"true" required:"true"`
}

func (c *sendCommand) Execute(_ []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	txid, err := a.backend.Send(ctx, c.Args.Address, c.Args.Amount)
	if err != nil {
		return err
	}
	fmt.Printf(
		"Sent %d sats to %s in transaction %s\n",
		c.Args.Amount,
		c.Args.Address,
		txid,
	)
	return a.ledger.InsertOwnTransaction(txid, "manual_send")
}

type settleCommand struct{}

func (c *settleCommand) Execute(_ []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	txid, err := a.backend.Settle(ctx)
	if err != nil {
		return err
	}
	if txid == "" {
		fmt.Println("No boarding outputs or VTXOs to settle")
		return nil
	}
	fmt.Printf("Settlement completed. Round TXID: %s\n", txid)
	return a.ledger.InsertOwnTransaction(txid, "consolidation")
}

type statsCommand struct{}

func (c *statsCommand) Execute(_ []string) error {
	a, err := newApp(context.Background())
	if err != nil {
		return err
	}
	stats, err := a.ledger.GetStats()
	if err != nil {
		return err
	}
	fmt.Printf("Total games:       %d\n", stats.TotalGames)
	fmt.Printf("Total donations:   %d\n", stats.TotalDonations)
	fmt.Printf("Total winners:     %d\n", stats.TotalWinners)
	fmt.Printf("Unpaid winners:    %d\n", stats.UnpaidWinners)
	fmt.Printf("Total bet sats:    %d\n", stats.TotalBetSats)
	fmt.Printf("Total payout sats: %d\n", stats.TotalPayoutSats)
	return nil
}

type catchupMissedPayoutsCommand struct {
	DryRun bool `long:"dry-run" description:"log intents without sending or writing"`
	Hours  uint `long:"hours"   description:"only consider winners from the last N hours"`
}

func (c *catchupMissedPayoutsCommand) Execute(_ []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	nonces, err := nonce.NewService(
		a.ledger,
		time.Duration(a.cfg.NonceRotationHours)*time.Hour,
		time.Duration(a.cfg.NonceValidityHours)*time.Hour,
	)
	if err != nil {
		return err
	}
	recov := recovery.New(a.backend, a.ledger, nonces, a.cfg.MaxPayoutSats)
	return recov.MissedPayouts(ctx, c.DryRun, c.Hours)
}

type catchupMissedGamesCommand struct {
	DryRun bool `long:"dry-run" description:"log intents without writing"`
}

func (c *catchupMissedGamesCommand) Execute(_ []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	nonces, err := nonce.NewService(
		a.ledger,
		time.Duration(a.cfg.NonceRotationHours)*time.Hour,
		time.Duration(a.cfg.NonceValidityHours)*time.Hour,
	)
	if err != nil {
		return err
	}
	recov := recovery.New(a.backend, a.ledger, nonces, a.cfg.MaxPayoutSats)
	return recov.MissedGames(ctx, c.DryRun)
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = true
	mustAddCommand(parser, "start", "Run the dice house", &startCommand{})
	mustAddCommand(parser, "balance", "Show house balances", &balanceCommand{})
	mustAddCommand(parser, "address", "Show the main offchain address", &addressCommand{})
	mustAddCommand(parser, "game-addresses", "Show all game addresses", &gameAddressesCommand{})
	mustAddCommand(parser, "boarding-address", "Show the boarding address", &boardingAddressCommand{})
	mustAddCommand(parser, "send", "Send sats to an Ark address", &sendCommand{})
	mustAddCommand(parser, "settle", "Consolidate house funds into the main address", &settleCommand{})
	mustAddCommand(parser, "stats", "Summarise the ledger", &statsCommand{})
	mustAddCommand(parser, "catchup-missed-payouts", "Retry unpaid winners", &catchupMissedPayoutsCommand{})
	mustAddCommand(parser, "catchup-missed-games", "Settle deposits the pipeline never saw", &catchupMissedGamesCommand{})

	_, err := parser.Parse()
	if opts.Version {
		fmt.Printf("%s %s\n", programName, version.GetVersionString())
		os.Exit(0)
	}
	if err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if parser.Active == nil {
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}
}

func mustAddCommand(parser *flags.Parser, name string, description string, command any) {
	if _, err := parser.AddCommand(name, description, description, command); err != nil {
		fmt.Printf("failed to register command %s: %s\n", name, err)
		os.Exit(1)
	}
}
