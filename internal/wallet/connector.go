package wallet

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"lottery/internal/failure"
	"lottery/pkg/chain"
)

// DefaultSwitchDelay is how long after a wrong-network connect the connector
// asks the wallet to switch.
const DefaultSwitchDelay = 500 * time.Millisecond

// State is a snapshot of the wallet connection. The zero value is
// Disconnected.
type State struct {
	Address          string
	IsConnected      bool
	ChainID          string
	IsCorrectNetwork bool
	IsConnecting     bool
}

// Observer receives connection metrics.
type Observer interface {
	SetWalletConnected(connected bool)
	ObserveWalletEvent(event string)
}

// Option configures a Connector.
type Option func(*Connector)

// WithSwitchDelay overrides DefaultSwitchDelay. Zero disables the automatic
// switch.
func WithSwitchDelay(d time.Duration) Option {
	return func(c *Connector) { c.switchDelay = d }
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Connector) { c.observer = o }
}

// WithSignerFactory replaces NewSigner.
func WithSignerFactory(fn func(Provider) Signer) Option {
	return func(c *Connector) { c.newSigner = fn }
}

// Connector owns the wallet connection lifecycle. A nil provider is valid and
// leaves the connector permanently disconnected.
type Connector struct {
	provider    Provider
	target      chain.Descriptor
	newSigner   func(Provider) Signer
	switchDelay time.Duration
	observer    Observer

	group singleflight.Group

	// updateMu serializes state transitions together with their watcher
	// notifications so observers see them in order.
	updateMu sync.Mutex

	mu          sync.Mutex
	state       State
	signer      Signer
	watchers    map[int]func(prev, next State)
	nextWatcher int
	switchTimer *time.Timer
}

// NewConnector returns a disconnected connector for p that expects target.
func NewConnector(p Provider, target chain.Descriptor, opts ...Option) *Connector {
	c := &Connector{
		provider:    p,
		target:      target,
		newSigner:   NewSigner,
		switchDelay: DefaultSwitchDelay,
		watchers:    make(map[int]func(prev, next State)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasProvider reports whether a wallet is available at all.
func (c *Connector) HasProvider() bool {
	return c.provider != nil
}

// Target returns the chain the connector expects the wallet to be on.
func (c *Connector) Target() chain.Descriptor {
	return c.target
}

// State returns the current connection state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Signer returns the current signer, or nil when disconnected.
func (c *Connector) Signer() Signer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signer
}

// Watch registers fn for every state change. fn runs on the goroutine that
// caused the change and must not call back into Connect or Disconnect.
func (c *Connector) Watch(fn func(prev, next State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
		})
	}
}

// Connect requests account access. Concurrent callers share a single wallet
// request and its result. Connecting while already connected returns the
// current address.
func (c *Connector) Connect(ctx context.Context) (string, error) {
	if c.provider == nil {
		return "", failure.New(failure.NoWalletFound, "")
	}

	v, err, _ := c.group.Do("connect", func() (any, error) {
		if st := c.State(); st.IsConnected {
			return st.Address, nil
		}
		return c.connect(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Connector) connect(ctx context.Context) (string, error) {
	c.update(func(s *State, _ *Signer) { s.IsConnecting = true })

	addr, chainID, signer, err := c.establish(ctx, "eth_requestAccounts")
	if err != nil {
		c.reset()
		log.Warn().Err(err).Msg("Wallet connection failed")
		return "", err
	}

	st := c.connected(addr, chainID, signer)
	log.Info().
		Str("address", st.Address).
		Str("chain_id", st.ChainID).
		Bool("correct_network", st.IsCorrectNetwork).
		Msg("Wallet connected")

	if !st.IsCorrectNetwork {
		c.scheduleSwitch()
	}
	return st.Address, nil
}

// establish runs the account request, chain lookup and signer check shared by
// Connect and the silent probe.
func (c *Connector) establish(ctx context.Context, method string) (common.Address, string, Signer, error) {
	raw, err := c.provider.Request(ctx, method)
	if err != nil {
		return common.Address{}, "", nil, failure.Classify(err)
	}
	accounts, err := decodeAccounts(raw)
	if err != nil {
		return common.Address{}, "", nil, failure.Wrap(failure.NoAccounts, err, "")
	}
	if len(accounts) == 0 {
		return common.Address{}, "", nil, failure.New(failure.NoAccounts, "")
	}

	chainID, err := c.requestChainID(ctx)
	if err != nil {
		return common.Address{}, "", nil, failure.Classify(err)
	}

	signer := c.newSigner(c.provider)
	signerAddr, err := signer.Address(ctx)
	if err != nil {
		return common.Address{}, "", nil, failure.Wrap(failure.InvalidSigner, err, "")
	}
	if signerAddr == (common.Address{}) {
		return common.Address{}, "", nil, failure.New(failure.InvalidSigner, "")
	}

	return accounts[0], chainID, signer, nil
}

func (c *Connector) requestChainID(ctx context.Context) (string, error) {
	raw, err := c.provider.Request(ctx, "eth_chainId")
	if err != nil {
		return "", err
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", err
	}
	return chain.NormalizeChainID(id), nil
}

func (c *Connector) connected(addr common.Address, chainID string, signer Signer) State {
	var st State
	c.update(func(s *State, sg *Signer) {
		*s = State{
			Address:          addr.Hex(),
			IsConnected:      true,
			ChainID:          chainID,
			IsCorrectNetwork: chain.SameChain(chainID, c.target.IDString()),
		}
		*sg = signer
		st = *s
	})
	return st
}

// Disconnect clears all connection state. It is safe to call in any state.
func (c *Connector) Disconnect() {
	c.reset()
}

func (c *Connector) reset() {
	c.mu.Lock()
	if c.switchTimer != nil {
		c.switchTimer.Stop()
		c.switchTimer = nil
	}
	c.mu.Unlock()

	c.update(func(s *State, sg *Signer) {
		*s = State{}
		*sg = nil
	})
}

func (c *Connector) scheduleSwitch() {
	if c.switchDelay <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.switchTimer != nil {
		c.switchTimer.Stop()
	}
	c.switchTimer = time.AfterFunc(c.switchDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := c.SwitchNetwork(ctx); err != nil {
			log.Warn().Err(err).Str("target", c.target.Name).Msg("Automatic network switch failed")
		}
	})
}

// SwitchNetwork asks the wallet to move to the target chain. An unknown-chain
// reply (4902) is answered with exactly one wallet_addEthereumChain carrying
// the full descriptor.
func (c *Connector) SwitchNetwork(ctx context.Context) error {
	if c.provider == nil {
		return failure.New(failure.NoWalletFound, "")
	}

	c.update(func(s *State, _ *Signer) {
		if s.IsConnected {
			s.IsConnecting = true
		}
	})
	defer c.update(func(s *State, _ *Signer) { s.IsConnecting = false })

	_, err := c.provider.Request(ctx, "wallet_switchEthereumChain", chain.SwitchChainParams{ChainID: c.target.IDHex()})
	if err != nil {
		code, _ := ErrorCode(err)
		if code != CodeUnknownChain {
			return failure.Wrap(failure.SwitchFailed, err, "")
		}

		log.Info().Str("chain", c.target.Name).Msg("Chain unknown to wallet, adding it")
		if _, addErr := c.provider.Request(ctx, "wallet_addEthereumChain", c.target.AddChainParams()); addErr != nil {
			return failure.Wrap(failure.SwitchFailed, addErr, "could not add network to wallet")
		}
	}

	c.update(func(s *State, _ *Signer) {
		if s.IsConnected {
			s.ChainID = c.target.IDString()
			s.IsCorrectNetwork = true
		}
	})
	log.Info().Str("chain", c.target.Name).Msg("Wallet on target network")
	return nil
}

// Start subscribes to wallet events and then silently restores a previously
// granted connection via eth_accounts. The returned stop func removes every
// listener.
func (c *Connector) Start(ctx context.Context) (stop func()) {
	if c.provider == nil {
		return func() {}
	}

	unsubs := []func(){
		c.provider.On(EventAccountsChanged, c.onAccountsChanged),
		c.provider.On(EventChainChanged, c.onChainChanged),
		c.provider.On(EventDisconnect, c.onDisconnect),
	}

	c.probe(ctx)

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
		})
	}
}

func (c *Connector) probe(ctx context.Context) {
	addr, chainID, signer, err := c.establish(ctx, "eth_accounts")
	if err != nil {
		log.Debug().Err(err).Msg("No previously granted wallet connection")
		return
	}
	st := c.connected(addr, chainID, signer)
	log.Info().Str("address", st.Address).Str("chain_id", st.ChainID).Msg("Wallet connection restored")
}

func (c *Connector) onAccountsChanged(payload json.RawMessage) {
	c.observeEvent(EventAccountsChanged)

	accounts, err := decodeAccounts(payload)
	if err != nil || len(accounts) == 0 {
		log.Info().Msg("Wallet accounts cleared, disconnecting")
		c.Disconnect()
		return
	}

	c.update(func(s *State, _ *Signer) {
		if s.IsConnected {
			s.Address = accounts[0].Hex()
		}
	})
}

func (c *Connector) onChainChanged(payload json.RawMessage) {
	c.observeEvent(EventChainChanged)

	var id string
	if err := json.Unmarshal(payload, &id); err != nil {
		log.Warn().Err(err).Msg("Malformed chainChanged payload")
		return
	}
	chainID := chain.NormalizeChainID(id)

	if !c.State().IsConnected {
		return
	}

	signer := c.newSigner(c.provider)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := signer.Address(ctx); err != nil {
		log.Warn().Err(err).Msg("Signer unusable after chain change, disconnecting")
		c.Disconnect()
		return
	}

	c.update(func(s *State, sg *Signer) {
		if !s.IsConnected {
			return
		}
		s.ChainID = chainID
		s.IsCorrectNetwork = chain.SameChain(chainID, c.target.IDString())
		*sg = signer
	})
}

func (c *Connector) onDisconnect(json.RawMessage) {
	c.observeEvent(EventDisconnect)
	log.Info().Msg("Wallet reported disconnect")
	c.Disconnect()
}

func (c *Connector) observeEvent(ev Event) {
	if c.observer != nil {
		c.observer.ObserveWalletEvent(string(ev))
	}
}

// update applies fn to the state under the lock and notifies watchers if the
// state changed.
func (c *Connector) update(fn func(s *State, signer *Signer)) {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	c.mu.Lock()
	prev := c.state
	fn(&c.state, &c.signer)
	next := c.state
	watchers := make([]func(prev, next State), 0, len(c.watchers))
	for _, w := range c.watchers {
		watchers = append(watchers, w)
	}
	c.mu.Unlock()

	if prev == next {
		return
	}
	if prev.IsConnected != next.IsConnected && c.observer != nil {
		c.observer.SetWalletConnected(next.IsConnected)
	}
	for _, w := range watchers {
		w(prev, next)
	}
}
