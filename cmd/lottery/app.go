package main

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"lottery/internal/config"
	"lottery/internal/lottery"
	"lottery/internal/metrics"
	"lottery/internal/persistence"
	"lottery/internal/session"
	"lottery/internal/throttle"
	"lottery/internal/wallet"
	"lottery/internal/wallet/bridge"
	"lottery/internal/wallet/keywallet"
	"lottery/pkg/chain/base"
)

// app is the wired component graph for one command invocation.
type app struct {
	cfg       *config.Config
	metrics   *metrics.Metrics
	queue     *throttle.Queue
	reader    *base.Client
	provider  wallet.Provider
	connector *wallet.Connector
	gateway   *lottery.Gateway
	store     *persistence.Store
	session   *session.Session

	closers []func()
}

type appOptions struct {
	wallet bool
	store  bool
	// autoSwitch keeps the connector's delayed network switch. One-shot
	// commands switch synchronously instead.
	autoSwitch bool
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.metrics = metrics.New(prometheus.NewRegistry())

	// Every read goes through one queue.
	a.queue = throttle.New(cfg.Throttle.RatePerSecond, throttle.WithObserver(a.metrics))
	a.closers = append(a.closers, a.queue.Close)

	a.reader, err = base.NewClient(cfg.Chain.PrimaryRPC(), a.queue,
		base.WithRequestObserver(a.metrics),
		base.WithRetry(cfg.Throttle.MaxRetries, cfg.Throttle.RetryBackoff))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.reader.Close)
	log.Debug().Str("rpc", cfg.Chain.PrimaryRPC()).Msg("Read provider ready")

	if opts.wallet {
		if err := a.openWallet(ctx); err != nil {
			return nil, err
		}
	}
	connOpts := []wallet.Option{wallet.WithObserver(a.metrics)}
	if !opts.autoSwitch {
		connOpts = append(connOpts, wallet.WithSwitchDelay(0))
	}
	a.connector = wallet.NewConnector(a.provider, cfg.Chain, connOpts...)
	a.gateway = lottery.NewGateway(a.reader, a.connector, cfg.LotteryConfig(),
		lottery.WithPurchaseObserver(a.metrics))

	sessOpts := []session.Option{session.WithObserver(a.metrics)}
	if opts.store && cfg.Persistence.Enabled {
		if err := a.openStore(ctx); err != nil {
			return nil, err
		}
		sessOpts = append(sessOpts, session.WithLedger(a.store))
	}
	a.session = session.New(a.connector, a.gateway, cfg.SessionConfig(), sessOpts...)

	return a, nil
}

func (a *app) openWallet(ctx context.Context) error {
	switch a.cfg.Wallet.Kind {
	case config.WalletKey:
		key, err := a.loadKey()
		if err != nil {
			return err
		}
		approver := keywallet.AutoApprove
		if !a.cfg.Wallet.AutoApprove {
			approver = promptApprover(os.Stdin, os.Stderr)
		}
		w, err := keywallet.New(key, a.cfg.Chain, keywallet.WithApprover(approver))
		if err != nil {
			return err
		}
		a.provider = w
		a.closers = append(a.closers, w.Close)
		log.Info().Str("address", w.Address().Hex()).Msg("Key wallet loaded")

	case config.WalletBridge:
		c, err := bridge.Dial(ctx, a.cfg.Wallet.BridgeURL)
		if err != nil {
			return err
		}
		a.provider = c
		a.closers = append(a.closers, func() { c.Close() })

	default:
		log.Info().Msg("No wallet configured, running read-only")
	}
	return nil
}

func (a *app) loadKey() (*ecdsa.PrivateKey, error) {
	if a.cfg.Wallet.Keystore != "" {
		return keywallet.LoadKeystore(a.cfg.Wallet.Keystore, a.cfg.Wallet.Password)
	}
	return keywallet.LoadKey(a.cfg.Wallet.PrivateKey)
}

func (a *app) openStore(ctx context.Context) error {
	store, err := persistence.NewStore(a.cfg.Persistence.SQLitePath, a.cfg.Chain.Currency.Decimals)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() { store.Close() })

	ok, err := store.BindContract(ctx, a.cfg.LotteryAddress().Hex())
	if err != nil {
		return err
	}
	if !ok {
		log.Warn().
			Str("path", a.cfg.Persistence.SQLitePath).
			Str("contract", a.cfg.LotteryAddress().Hex()).
			Msg("Ledger was created for a different contract")
	}
	log.Debug().Str("path", a.cfg.Persistence.SQLitePath).Msg("SQLite initialized")
	return nil
}

// connect connects the wallet and switches it to the target chain if needed.
func (a *app) connect(ctx context.Context) (common.Address, error) {
	addr, err := a.session.Connect(ctx)
	if err != nil {
		return common.Address{}, err
	}
	if !a.connector.State().IsCorrectNetwork {
		if err := a.session.SwitchNetwork(ctx); err != nil {
			return common.Address{}, err
		}
	}
	return common.HexToAddress(addr), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// promptApprover asks on in/out before granting account access.
func promptApprover(in io.Reader, out io.Writer) keywallet.Approver {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, account common.Address) (bool, error) {
		fmt.Fprintf(out, "Allow lottery to use account %s? [y/N] ", account.Hex())
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return false, nil
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	}
}
