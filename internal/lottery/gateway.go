// Package lottery reads and writes the lottery contract. Reads go through the
// throttled read provider and work without a wallet; the purchase goes
// through the connected wallet's signer.
package lottery

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"

	"lottery/internal/failure"
	"lottery/internal/wallet"
	"lottery/pkg/chain"
	"lottery/pkg/chain/base"
	"lottery/pkg/models"
)

// Reader is the read-only provider. *base.Client satisfies it.
type Reader interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	BatchCallContract(ctx context.Context, calls []base.ContractCall) ([]base.CallResult, error)
}

// Wallet exposes the connection state and signer. *wallet.Connector
// satisfies it.
type Wallet interface {
	State() wallet.State
	Signer() wallet.Signer
}

// PurchaseObserver is told the outcome of every purchase attempt.
type PurchaseObserver interface {
	ObservePurchase(outcome string)
}

// Config holds the contract address and purchase limits.
type Config struct {
	Address          common.Address
	Currency         chain.NativeCurrency
	GasMultiplierPct uint64
	MaxTickets       int
	CallTimeout      time.Duration
}

// DefaultConfig targets the Monad testnet deployment.
func DefaultConfig() Config {
	return Config{
		Address:          chain.LotteryAddress(),
		Currency:         chain.MonadTestnet().Currency,
		GasMultiplierPct: 120,
		MaxTickets:       models.MaxTicketsPerPurchase,
		CallTimeout:      15 * time.Second,
	}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPurchaseObserver reports every purchase outcome to o.
func WithPurchaseObserver(o PurchaseObserver) Option {
	return func(g *Gateway) { g.observer = o }
}

// Gateway is the lottery contract client.
type Gateway struct {
	reader   Reader
	wallet   Wallet
	cfg      Config
	observer PurchaseObserver

	priceMu sync.Mutex
	price   *big.Int
}

// NewGateway reads through reader and buys through w. Zero Config fields
// take their defaults.
func NewGateway(reader Reader, w Wallet, cfg Config, opts ...Option) *Gateway {
	def := DefaultConfig()
	if cfg.Address == (common.Address{}) {
		cfg.Address = def.Address
	}
	if cfg.Currency.Decimals == 0 {
		cfg.Currency = def.Currency
	}
	if cfg.GasMultiplierPct == 0 {
		cfg.GasMultiplierPct = def.GasMultiplierPct
	}
	if cfg.MaxTickets <= 0 {
		cfg.MaxTickets = def.MaxTickets
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}

	g := &Gateway{reader: reader, wallet: w, cfg: cfg}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Config returns the effective configuration.
func (g *Gateway) Config() Config {
	return g.cfg
}

func (g *Gateway) call(ctx context.Context, method string, args ...any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	out, err := g.reader.CallContract(ctx, g.cfg.Address, pack(method, args...))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}

// GetStatus reads the lottery status and, independently, the top buyer. A
// failed top-buyer read is logged and yields a nil TopBuyer without
// affecting the status.
func (g *Gateway) GetStatus(ctx context.Context) (models.LotteryStatus, *models.TopBuyer, error) {
	status, err := g.readStatus(ctx)
	if err != nil {
		return models.LotteryStatus{}, nil, err
	}

	top, err := g.readTopBuyer(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch top buyer")
		return status, nil, nil
	}
	return status, top, nil
}

func (g *Gateway) readStatus(ctx context.Context) (models.LotteryStatus, error) {
	data, err := g.call(ctx, methodStatus)
	if err != nil {
		return models.LotteryStatus{}, fmt.Errorf("fetching lottery status: %w", err)
	}
	raw, err := unpackStatus(data)
	if err != nil {
		return models.LotteryStatus{}, err
	}
	return g.statusFromRaw(raw), nil
}

func (g *Gateway) statusFromRaw(raw rawStatus) models.LotteryStatus {
	pool := raw.Pool
	if pool == nil {
		pool = new(big.Int)
	}
	var tickets uint64
	if raw.Tickets != nil {
		tickets = raw.Tickets.Uint64()
	}
	return models.LotteryStatus{
		IsActive:           raw.IsActive,
		TotalTickets:       tickets,
		TotalPoolAmount:    chain.FormatUnits(pool, g.cfg.Currency.Decimals),
		PoolWei:            new(big.Int).Set(pool),
		RewardsDistributed: raw.Awarded,
	}
}

func (g *Gateway) readTopBuyer(ctx context.Context) (*models.TopBuyer, error) {
	data, err := g.call(ctx, methodTopBuyer)
	if err != nil {
		return nil, err
	}
	raw, err := unpackTopBuyer(data)
	if err != nil {
		return nil, err
	}
	return topBuyerFromRaw(raw), nil
}

func topBuyerFromRaw(raw rawTopBuyer) *models.TopBuyer {
	top := &models.TopBuyer{}
	if raw.Buyer != (common.Address{}) {
		top.Address = raw.Buyer.Hex()
	}
	if raw.TicketCount != nil {
		top.TicketCount = raw.TicketCount.Uint64()
	}
	return top
}

// GetTicketPrice returns the unit ticket price as a decimal string.
func (g *Gateway) GetTicketPrice(ctx context.Context) (string, error) {
	price, err := g.TicketPriceWei(ctx)
	if err != nil {
		return "", err
	}
	return chain.FormatUnits(price, g.cfg.Currency.Decimals), nil
}

// TicketPriceWei returns the unit ticket price in smallest units. The price
// is a contract constant, so the first successful read is cached.
func (g *Gateway) TicketPriceWei(ctx context.Context) (*big.Int, error) {
	g.priceMu.Lock()
	cached := g.price
	g.priceMu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	data, err := g.call(ctx, methodTicketPrice)
	if err != nil {
		return nil, fmt.Errorf("fetching ticket price: %w", err)
	}
	price, err := unpackUint(methodTicketPrice, data)
	if err != nil {
		return nil, err
	}

	g.setPrice(price)
	return new(big.Int).Set(price), nil
}

func (g *Gateway) setPrice(price *big.Int) {
	g.priceMu.Lock()
	defer g.priceMu.Unlock()
	if g.price == nil {
		g.price = new(big.Int).Set(price)
	}
}

// GetUserTickets returns addr's tickets. The list is only read when the
// count is non-zero; any failure yields the empty value.
func (g *Gateway) GetUserTickets(ctx context.Context, addr common.Address) models.UserTickets {
	data, err := g.call(ctx, methodTicketCount, addr)
	if err != nil {
		log.Warn().Err(err).Str("address", addr.Hex()).Msg("Failed to fetch user ticket count")
		return models.NoTickets()
	}
	count, err := unpackUint(methodTicketCount, data)
	if err != nil {
		log.Warn().Err(err).Str("address", addr.Hex()).Msg("Failed to decode user ticket count")
		return models.NoTickets()
	}
	if count.Sign() == 0 {
		return models.NoTickets()
	}

	data, err = g.call(ctx, methodTickets, addr)
	if err != nil {
		log.Warn().Err(err).Str("address", addr.Hex()).Msg("Failed to fetch user tickets")
		return models.NoTickets()
	}
	nums, err := unpackUintSlice(methodTickets, data)
	if err != nil {
		log.Warn().Err(err).Str("address", addr.Hex()).Msg("Failed to decode user tickets")
		return models.NoTickets()
	}

	out := models.UserTickets{Count: count.Uint64(), Numbers: make([]uint64, len(nums))}
	for i, n := range nums {
		out.Numbers[i] = n.Uint64()
	}
	return out
}

// Overview is status, top buyer and price from a single round trip.
type Overview struct {
	Status   models.LotteryStatus
	TopBuyer *models.TopBuyer
	PriceWei *big.Int
}

// Overview batches the three reads through Multicall3. Only a failed status
// sub-call fails the whole read.
func (g *Gateway) Overview(ctx context.Context) (Overview, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	results, err := g.reader.BatchCallContract(ctx, []base.ContractCall{
		{Target: g.cfg.Address, CallData: pack(methodStatus)},
		{Target: g.cfg.Address, CallData: pack(methodTopBuyer)},
		{Target: g.cfg.Address, CallData: pack(methodTicketPrice)},
	})
	if err != nil {
		return Overview{}, fmt.Errorf("fetching lottery overview: %w", err)
	}
	if len(results) != 3 {
		return Overview{}, fmt.Errorf("fetching lottery overview: %d results", len(results))
	}

	if !results[0].Success {
		return Overview{}, fmt.Errorf("fetching lottery overview: %s failed", methodStatus)
	}
	raw, err := unpackStatus(results[0].Data)
	if err != nil {
		return Overview{}, err
	}
	ov := Overview{Status: g.statusFromRaw(raw)}

	if results[1].Success {
		if top, err := unpackTopBuyer(results[1].Data); err == nil {
			ov.TopBuyer = topBuyerFromRaw(top)
		} else {
			log.Warn().Err(err).Msg("Failed to decode top buyer")
		}
	} else {
		log.Warn().Msg("Top buyer sub-call failed")
	}

	if results[2].Success {
		if price, err := unpackUint(methodTicketPrice, results[2].Data); err == nil {
			g.setPrice(price)
			ov.PriceWei = price
		}
	}
	return ov, nil
}

// BuyTickets submits buyTickets(count) paying exactly unitPrice*count. The
// checks run in order and each fails before any payable call: connected,
// correct network, 1 <= count <= MaxTickets, lottery active, balance.
func (g *Gateway) BuyTickets(ctx context.Context, count int) (*models.Purchase, error) {
	p, err := g.buyTickets(ctx, count)
	if g.observer != nil {
		outcome := string(models.PurchaseSubmitted)
		if err != nil {
			outcome = string(failure.KindOf(err))
		}
		g.observer.ObservePurchase(outcome)
	}
	return p, err
}

func (g *Gateway) buyTickets(ctx context.Context, count int) (*models.Purchase, error) {
	st := g.wallet.State()
	signer := g.wallet.Signer()
	if !st.IsConnected || signer == nil {
		return nil, failure.New(failure.NotConnected, "")
	}
	if !st.IsCorrectNetwork {
		return nil, failure.New(failure.WrongNetwork, "")
	}
	if count < 1 || count > g.cfg.MaxTickets {
		return nil, failure.New(failure.InvalidTicketCount,
			fmt.Sprintf("ticket count must be between 1 and %d", g.cfg.MaxTickets))
	}

	status, err := g.readStatus(ctx)
	if err != nil {
		return nil, g.unclassified(failure.Classify(err))
	}
	if !status.IsActive {
		return nil, failure.New(failure.LotteryInactive, "")
	}

	price, err := g.TicketPriceWei(ctx)
	if err != nil {
		return nil, g.unclassified(failure.Classify(err))
	}
	if price.Sign() <= 0 {
		return nil, failure.New(failure.NetworkCongested, "invalid ticket price")
	}
	value := new(big.Int).Mul(price, big.NewInt(int64(count)))

	if err := g.checkBalance(ctx, signer, value); err != nil {
		return nil, err
	}

	to := g.cfg.Address
	args := wallet.TransactionArgs{
		To:    &to,
		Value: (*hexutil.Big)(new(big.Int).Set(value)),
		Data:  pack(methodBuy, big.NewInt(int64(count))),
	}

	estimate, err := signer.EstimateGas(ctx, args)
	if err != nil {
		fe := failure.Classify(err)
		if fe.Kind == failure.NetworkCongested {
			msg := "transaction would fail"
			if reason := failure.RevertReason(err); reason != "" {
				msg += ": " + reason
			}
			fe = failure.Wrap(failure.GasEstimationFailed, err, msg)
		}
		log.Warn().Err(err).Str("kind", string(fe.Kind)).Msg("Gas estimation failed")
		return nil, fe
	}
	gasLimit := hexutil.Uint64(estimate * g.cfg.GasMultiplierPct / 100)
	args.Gas = &gasLimit

	hash, err := signer.SendTransaction(ctx, args)
	if err != nil {
		return nil, g.unclassified(failure.Classify(err))
	}

	p := &models.Purchase{
		TxHash:    hash.Hex(),
		Buyer:     st.Address,
		Count:     uint64(count),
		Value:     value,
		GasLimit:  uint64(gasLimit),
		Status:    models.PurchaseSubmitted,
		CreatedAt: time.Now().UTC(),
	}
	log.Info().
		Str("tx", p.TxHash).
		Str("buyer", p.Buyer).
		Uint64("tickets", p.Count).
		Str("value", chain.FormatUnits(value, g.cfg.Currency.Decimals)).
		Uint64("gas_limit", p.GasLimit).
		Msg("Ticket purchase submitted")
	return p, nil
}

// checkBalance requires value plus a gas allowance of 1% of value, at least
// 0.001 native units.
func (g *Gateway) checkBalance(ctx context.Context, signer wallet.Signer, value *big.Int) error {
	bal, err := signer.Balance(ctx)
	if err != nil {
		fe := failure.Classify(err)
		if fe.Kind == failure.NetworkCongested {
			fe = failure.Wrap(failure.NetworkCongested, err, "could not verify your balance")
		}
		return g.unclassified(fe)
	}

	allowance := new(big.Int).Div(value, big.NewInt(100))
	floor := new(big.Int).Div(chain.OneUnit(g.cfg.Currency.Decimals), big.NewInt(1000))
	if allowance.Cmp(floor) < 0 {
		allowance = floor
	}
	required := new(big.Int).Add(value, allowance)

	if bal.Cmp(required) < 0 {
		sym := g.cfg.Currency.Symbol
		return failure.New(failure.InsufficientFunds, fmt.Sprintf(
			"insufficient funds: have %s %s, need at least %s %s including gas",
			chain.FormatUnitsFixed(bal, g.cfg.Currency.Decimals, 4), sym,
			chain.FormatUnitsFixed(required, g.cfg.Currency.Decimals, 4), sym))
	}
	return nil
}

// WaitMined blocks until hash is mined. A reverted receipt is a
// TransactionReverted failure.
func (g *Gateway) WaitMined(ctx context.Context, hash common.Hash) (*wallet.Receipt, error) {
	signer := g.wallet.Signer()
	if signer == nil {
		return nil, failure.New(failure.NotConnected, "")
	}
	r, err := signer.WaitMined(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !r.Succeeded() {
		return r, failure.New(failure.TransactionReverted, "transaction reverted on chain")
	}
	return r, nil
}

func (g *Gateway) unclassified(fe *failure.Error) *failure.Error {
	if fe.Kind == failure.NetworkCongested {
		log.Error().Err(fe.Err).Msg("Unclassified purchase failure")
	}
	return fe
}
