package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Monad testnet defaults.
const (
	MonadTestnetChainID = "10143"

	DefaultLotteryAddress = "0xC9105a5DDDF4605C98712568cF2AA0367f6AaBA2"
)

// NativeCurrency describes the chain's native token.
type NativeCurrency struct {
	Name     string `yaml:"name" json:"name"`
	Symbol   string `yaml:"symbol" json:"symbol"`
	Decimals uint8  `yaml:"decimals" json:"decimals"`
}

// Descriptor holds everything a wallet needs to add and use a chain.
type Descriptor struct {
	ID          int64          `yaml:"id"`
	Name        string         `yaml:"name"`
	Network     string         `yaml:"network"`
	Currency    NativeCurrency `yaml:"native_currency"`
	RPCURLs     []string       `yaml:"rpc_urls"`
	ExplorerURL string         `yaml:"explorer_url"`
}

// AddChainParams is the wallet_addEthereumChain parameter object (EIP-3085).
type AddChainParams struct {
	ChainID           string         `json:"chainId"`
	ChainName         string         `json:"chainName"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency"`
	RPCURLs           []string       `json:"rpcUrls"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty"`
}

// SwitchChainParams is the wallet_switchEthereumChain parameter object (EIP-3326).
type SwitchChainParams struct {
	ChainID string `json:"chainId"`
}

// MonadTestnet returns the default target chain.
func MonadTestnet() Descriptor {
	return Descriptor{
		ID:      10143,
		Name:    "Monad Testnet",
		Network: "monad-testnet",
		Currency: NativeCurrency{
			Name:     "Monad",
			Symbol:   "MON",
			Decimals: 18,
		},
		RPCURLs:     []string{"https://testnet-rpc.monad.xyz/"},
		ExplorerURL: "https://testnet.monadexplorer.com/",
	}
}

// IDString returns the decimal chain id.
func (d Descriptor) IDString() string {
	return fmt.Sprintf("%d", d.ID)
}

// IDHex returns the 0x-prefixed hex chain id wallets expect.
func (d Descriptor) IDHex() string {
	return fmt.Sprintf("0x%x", d.ID)
}

// PrimaryRPC returns the first RPC URL, or "" when none are configured.
func (d Descriptor) PrimaryRPC() string {
	if len(d.RPCURLs) == 0 {
		return ""
	}
	return d.RPCURLs[0]
}

// AddChainParams builds the full descriptor sent with wallet_addEthereumChain.
func (d Descriptor) AddChainParams() AddChainParams {
	params := AddChainParams{
		ChainID:        d.IDHex(),
		ChainName:      d.Name,
		NativeCurrency: d.Currency,
		RPCURLs:        append([]string(nil), d.RPCURLs...),
	}
	if d.ExplorerURL != "" {
		params.BlockExplorerURLs = []string{d.ExplorerURL}
	}
	return params
}

// Descriptor converts add-chain params back into a descriptor.
func (p AddChainParams) Descriptor() (Descriptor, error) {
	id, ok := ParseChainID(p.ChainID)
	if !ok {
		return Descriptor{}, fmt.Errorf("invalid chainId %q", p.ChainID)
	}
	d := Descriptor{
		ID:       id.Int64(),
		Name:     p.ChainName,
		Currency: p.NativeCurrency,
		RPCURLs:  append([]string(nil), p.RPCURLs...),
	}
	if len(p.BlockExplorerURLs) > 0 {
		d.ExplorerURL = p.BlockExplorerURLs[0]
	}
	return d, nil
}

// ParseChainID parses a chain id given either as 0x-prefixed hex or as decimal.
func ParseChainID(id string) (*big.Int, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false
	}
	base := 10
	if strings.HasPrefix(id, "0x") || strings.HasPrefix(id, "0X") {
		id = id[2:]
		base = 16
	}
	n, ok := new(big.Int).SetString(id, base)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

// NormalizeChainID returns the decimal form of a hex or decimal chain id.
// Unparseable input yields "".
func NormalizeChainID(id string) string {
	n, ok := ParseChainID(id)
	if !ok {
		return ""
	}
	return n.String()
}

// SameChain reports whether two chain ids name the same chain, regardless of
// hex or decimal notation.
func SameChain(a, b string) bool {
	na := NormalizeChainID(a)
	return na != "" && na == NormalizeChainID(b)
}

// LotteryAddress returns the default lottery contract address.
func LotteryAddress() common.Address {
	return common.HexToAddress(DefaultLotteryAddress)
}
