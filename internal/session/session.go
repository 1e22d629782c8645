// Package session holds the client-side view of one wallet session: wallet
// state, lottery status, top buyer, ticket price, the connected address's
// tickets and a transient error message. It drives the status poller and the
// post-purchase refresh.
package session

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"lottery/internal/failure"
	"lottery/internal/wallet"
	"lottery/pkg/models"
)

// Connector is the wallet side of the session. *wallet.Connector satisfies it.
type Connector interface {
	Start(ctx context.Context) (stop func())
	State() wallet.State
	Watch(fn func(prev, next wallet.State)) (unsubscribe func())
	Connect(ctx context.Context) (string, error)
	Disconnect()
	SwitchNetwork(ctx context.Context) error
}

// Gateway is the contract side of the session. *lottery.Gateway satisfies it.
type Gateway interface {
	GetStatus(ctx context.Context) (models.LotteryStatus, *models.TopBuyer, error)
	GetTicketPrice(ctx context.Context) (string, error)
	GetUserTickets(ctx context.Context, addr common.Address) models.UserTickets
	BuyTickets(ctx context.Context, count int) (*models.Purchase, error)
	WaitMined(ctx context.Context, hash common.Hash) (*wallet.Receipt, error)
}

// Ledger records purchases and status snapshots. *persistence.Store
// satisfies it.
type Ledger interface {
	RecordPurchase(ctx context.Context, p models.Purchase) error
	UpdatePurchaseStatus(ctx context.Context, txHash string, status models.PurchaseStatus) error
	RecordSnapshot(ctx context.Context, snap models.StatusSnapshot) error
}

// Observer receives status and refresh outcomes for instrumentation.
type Observer interface {
	SetLotteryStatus(status models.LotteryStatus)
	ObserveRefresh(outcome string)
}

// Refresh outcomes.
const (
	RefreshConfirmed = "confirmed"
	RefreshExhausted = "exhausted"
	RefreshCancelled = "cancelled"
)

// Config sets the session's polling, refresh and error display timings.
type Config struct {
	PollInterval    time.Duration
	RefreshDelay    time.Duration
	RefreshInterval time.Duration
	RefreshAttempts int
	ErrorTTL        time.Duration
	ReceiptTimeout  time.Duration
	RecordSnapshots bool
}

// DefaultConfig returns the timings used when Config fields are zero.
func DefaultConfig() Config {
	return Config{
		PollInterval:    30 * time.Second,
		RefreshDelay:    3 * time.Second,
		RefreshInterval: 3 * time.Second,
		RefreshAttempts: 5,
		ErrorTTL:        8 * time.Second,
		ReceiptTimeout:  2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.RefreshDelay < 0 {
		c.RefreshDelay = 0
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = def.RefreshInterval
	}
	if c.RefreshAttempts <= 0 {
		c.RefreshAttempts = def.RefreshAttempts
	}
	if c.ErrorTTL <= 0 {
		c.ErrorTTL = def.ErrorTTL
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = def.ReceiptTimeout
	}
	return c
}

// View is a consistent copy of the session state. Status is nil until the
// first successful read.
type View struct {
	Wallet      wallet.State
	Status      *models.LotteryStatus
	TopBuyer    *models.TopBuyer
	TicketPrice string
	Tickets     models.UserTickets
	Error       string
}

// Option configures a Session.
type Option func(*Session)

// WithLedger records purchases and, when enabled, status snapshots.
func WithLedger(l Ledger) Option {
	return func(s *Session) { s.ledger = l }
}

// WithObserver reports status and refresh outcomes to o.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

// Session is safe for concurrent use.
type Session struct {
	connector Connector
	gateway   Gateway
	ledger    Ledger
	observer  Observer
	cfg       Config

	mu          sync.Mutex
	ctx         context.Context
	stopped     bool
	wallet      wallet.State
	status      *models.LotteryStatus
	top         *models.TopBuyer
	price       string
	tickets     models.UserTickets
	ticketsAddr string
	gen         uint64
	errMsg      string
	errSeq      uint64
	errTimer    *time.Timer

	wg sync.WaitGroup
}

// New returns a session over connector and gateway. It does nothing until
// Start or Run.
func New(connector Connector, gateway Gateway, cfg Config, opts ...Option) *Session {
	s := &Session{
		connector: connector,
		gateway:   gateway,
		cfg:       cfg.withDefaults(),
		ctx:       context.Background(),
		tickets:   models.NoTickets(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to the wallet, starts the connector and loads price and
// status. The returned stop func unsubscribes and waits for background
// refreshes.
func (s *Session) Start(ctx context.Context) (stop func()) {
	s.mu.Lock()
	s.ctx = ctx
	s.stopped = false
	s.mu.Unlock()

	unwatch := s.connector.Watch(s.onWalletChange)
	stopConnector := s.connector.Start(ctx)

	s.onWalletChange(wallet.State{}, s.connector.State())

	if err := s.LoadPrice(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to load ticket price")
	}
	if err := s.RefreshStatus(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial status read failed")
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			stopConnector()
			unwatch()
			// A notification already in flight may still arrive; it must
			// not start work after Wait has begun.
			s.mu.Lock()
			s.stopped = true
			s.mu.Unlock()
			s.wg.Wait()
			s.stopErrorTimer()
		})
	}
}

// Run starts the session and polls status until ctx ends. Background
// refreshes are bound to ctx and have finished when Run returns.
func (s *Session) Run(ctx context.Context) error {
	stop := s.Start(ctx)
	defer stop()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RefreshStatus(ctx); err != nil {
				log.Warn().Err(err).Msg("Status poll failed")
			}
		}
	}
}

// Wait blocks until the ticket fetches and post-purchase refreshes started so
// far have finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

// View returns a copy of the current state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		Wallet:      s.wallet,
		TicketPrice: s.price,
		Tickets:     copyTickets(s.tickets),
		Error:       s.errMsg,
	}
	if s.status != nil {
		st := *s.status
		if st.PoolWei != nil {
			st.PoolWei = new(big.Int).Set(st.PoolWei)
		}
		v.Status = &st
	}
	if s.top != nil {
		top := *s.top
		v.TopBuyer = &top
	}
	return v
}

func copyTickets(t models.UserTickets) models.UserTickets {
	out := models.UserTickets{Count: t.Count, Numbers: make([]uint64, len(t.Numbers))}
	copy(out.Numbers, t.Numbers)
	return out
}

// onWalletChange keeps the tickets consistent with the wallet address. Any
// address change clears them before a fetch for the new address is started.
func (s *Session) onWalletChange(_, next wallet.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wallet = next
	addr := ""
	if next.IsConnected {
		addr = next.Address
	}
	if addr == s.ticketsAddr {
		return
	}

	s.gen++
	s.tickets = models.NoTickets()
	s.ticketsAddr = addr
	if addr == "" || s.stopped {
		return
	}

	gen, ctx := s.gen, s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fetchTickets(ctx, addr, gen)
	}()
}

// fetchTickets stores the result only if the address it was fetched for is
// still the session's address.
func (s *Session) fetchTickets(ctx context.Context, addr string, gen uint64) models.UserTickets {
	t := s.gateway.GetUserTickets(ctx, common.HexToAddress(addr))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.ticketsAddr != addr {
		log.Debug().Str("address", addr).Msg("Discarding tickets for stale address")
		return t
	}
	s.tickets = t
	return t
}

// RefreshTickets re-reads the connected address's tickets.
func (s *Session) RefreshTickets(ctx context.Context) models.UserTickets {
	s.mu.Lock()
	addr, gen := s.ticketsAddr, s.gen
	s.mu.Unlock()
	if addr == "" {
		return models.NoTickets()
	}
	return s.fetchTickets(ctx, addr, gen)
}

// RefreshStatus re-reads the lottery status and top buyer. A missing top
// buyer keeps the previous one.
func (s *Session) RefreshStatus(ctx context.Context) error {
	status, top, err := s.gateway.GetStatus(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.status = &status
	if top != nil {
		s.top = top
	}
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.SetLotteryStatus(status)
	}
	if s.ledger != nil && s.cfg.RecordSnapshots {
		snap := models.StatusSnapshot{Status: status, ObservedAt: time.Now().UTC()}
		if err := s.ledger.RecordSnapshot(ctx, snap); err != nil {
			log.Warn().Err(err).Msg("Failed to record status snapshot")
		}
	}
	return nil
}

func (s *Session) LoadPrice(ctx context.Context) error {
	price, err := s.gateway.GetTicketPrice(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.price = price
	s.mu.Unlock()
	return nil
}

// Connect connects the wallet. A failure is also exposed as the transient
// error.
func (s *Session) Connect(ctx context.Context) (string, error) {
	addr, err := s.connector.Connect(ctx)
	if err != nil {
		s.setError(failure.UserMessage(err))
		return "", err
	}
	s.clearError()
	return addr, nil
}

func (s *Session) Disconnect() {
	s.connector.Disconnect()
}

func (s *Session) SwitchNetwork(ctx context.Context) error {
	if err := s.connector.SwitchNetwork(ctx); err != nil {
		s.setError(failure.UserMessage(err))
		return err
	}
	return nil
}

// BuyTickets reports whether the purchase was submitted. On failure the
// user-facing message becomes the transient error.
func (s *Session) BuyTickets(ctx context.Context, count int) bool {
	_, err := s.Buy(ctx, count)
	return err == nil
}

// Buy submits a purchase, records it and schedules the post-purchase
// refresh.
func (s *Session) Buy(ctx context.Context, count int) (*models.Purchase, error) {
	before := s.ticketBaseline(ctx, count)

	p, err := s.gateway.BuyTickets(ctx, count)
	if err != nil {
		s.setError(failure.UserMessage(err))
		return nil, err
	}
	s.clearError()

	if s.ledger != nil {
		if err := s.ledger.RecordPurchase(ctx, *p); err != nil {
			log.Warn().Err(err).Str("tx", p.TxHash).Msg("Failed to record purchase")
		}
	}

	s.mu.Lock()
	runCtx, stopped := s.ctx, s.stopped
	if !stopped {
		s.wg.Add(2)
	}
	s.mu.Unlock()
	if stopped {
		return p, nil
	}

	go func() {
		defer s.wg.Done()
		s.trackReceipt(runCtx, p.TxHash)
	}()
	go func() {
		defer s.wg.Done()
		s.refreshAfterPurchase(runCtx, p.Buyer, before+p.Count)
	}()
	return p, nil
}

// ticketBaseline reads the buyer's ticket count before a purchase. The
// stored count may lag a fetch still in flight, so the chain is read
// directly. The larger of the read and the stored count wins, which covers a
// failed read. Purchases the gateway will reject get no read.
func (s *Session) ticketBaseline(ctx context.Context, count int) uint64 {
	st := s.connector.State()
	if !st.IsConnected || !st.IsCorrectNetwork || count < 1 || count > models.MaxTicketsPerPurchase {
		return 0
	}

	t := s.gateway.GetUserTickets(ctx, common.HexToAddress(st.Address))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticketsAddr == st.Address && s.tickets.Count > t.Count {
		return s.tickets.Count
	}
	return t.Count
}

// refreshAfterPurchase waits RefreshDelay, then polls status and tickets
// until the buyer's count reaches want or the attempts run out.
func (s *Session) refreshAfterPurchase(ctx context.Context, buyer string, want uint64) {
	outcome := RefreshExhausted
	defer func() {
		if s.observer != nil {
			s.observer.ObserveRefresh(outcome)
		}
	}()

	wait := s.cfg.RefreshDelay
	for attempt := 1; attempt <= s.cfg.RefreshAttempts; attempt++ {
		select {
		case <-ctx.Done():
			outcome = RefreshCancelled
			return
		case <-time.After(wait):
		}
		wait = s.cfg.RefreshInterval

		if err := s.RefreshStatus(ctx); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("Post-purchase status refresh failed")
		}

		s.mu.Lock()
		addr := s.ticketsAddr
		s.mu.Unlock()
		if addr != buyer {
			// The wallet moved on; the new address has its own fetch.
			outcome = RefreshCancelled
			return
		}

		if t := s.RefreshTickets(ctx); t.Count >= want {
			log.Info().Str("address", buyer).Uint64("tickets", t.Count).Int("attempt", attempt).Msg("Purchase reflected in tickets")
			outcome = RefreshConfirmed
			return
		}
	}
	log.Warn().Str("address", buyer).Uint64("want", want).Msg("Purchase not reflected after refresh attempts")
}

func (s *Session) trackReceipt(ctx context.Context, txHash string) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	defer cancel()

	status := models.PurchaseMined
	r, err := s.gateway.WaitMined(ctx, common.HexToHash(txHash))
	switch {
	case err == nil:
	case r != nil:
		status = models.PurchaseFailed
		s.setError(failure.UserMessage(err))
	default:
		log.Warn().Err(err).Str("tx", txHash).Msg("Could not confirm purchase")
		return
	}
	log.Info().Str("tx", txHash).Str("status", string(status)).Msg("Purchase receipt")

	if s.ledger == nil {
		return
	}
	// The run context may be done by now; the ledger write is short.
	writeCtx, writeCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer writeCancel()
	if err := s.ledger.UpdatePurchaseStatus(writeCtx, txHash, status); err != nil {
		log.Warn().Err(err).Str("tx", txHash).Msg("Failed to update purchase status")
	}
}

// setError shows msg until ErrorTTL passes or another message replaces it.
func (s *Session) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errSeq++
	seq := s.errSeq
	s.errMsg = msg
	if s.errTimer != nil {
		s.errTimer.Stop()
	}
	s.errTimer = time.AfterFunc(s.cfg.ErrorTTL, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.errSeq == seq {
			s.errMsg = ""
		}
	})
}

func (s *Session) clearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errSeq++
	s.errMsg = ""
	if s.errTimer != nil {
		s.errTimer.Stop()
		s.errTimer = nil
	}
}

func (s *Session) stopErrorTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errTimer != nil {
		s.errTimer.Stop()
	}
}
