package lottery

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// LotteryABIJSON is the subset of the lottery contract the client uses.
const LotteryABIJSON = `[
	{
		"inputs": [],
		"name": "getLotteryStatus",
		"outputs": [
			{"internalType": "bool", "name": "isActive", "type": "bool"},
			{"internalType": "uint256", "name": "tickets", "type": "uint256"},
			{"internalType": "uint256", "name": "pool", "type": "uint256"},
			{"internalType": "bool", "name": "awarded", "type": "bool"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "getTopBuyer",
		"outputs": [
			{"internalType": "address", "name": "buyer", "type": "address"},
			{"internalType": "uint256", "name": "ticketCount", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "TICKET_PRICE",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "user", "type": "address"}],
		"name": "getUserTicketCount",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "user", "type": "address"}],
		"name": "getUserTickets",
		"outputs": [{"internalType": "uint256[]", "name": "", "type": "uint256[]"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "uint256", "name": "numTickets", "type": "uint256"}],
		"name": "buyTickets",
		"outputs": [],
		"stateMutability": "payable",
		"type": "function"
	}
]`

var LotteryABI abi.ABI

func init() {
	var err error
	LotteryABI, err = abi.JSON(strings.NewReader(LotteryABIJSON))
	if err != nil {
		panic("failed to parse lottery ABI: " + err.Error())
	}
}

const (
	methodStatus      = "getLotteryStatus"
	methodTopBuyer    = "getTopBuyer"
	methodTicketPrice = "TICKET_PRICE"
	methodTicketCount = "getUserTicketCount"
	methodTickets     = "getUserTickets"
	methodBuy         = "buyTickets"
)

type rawStatus struct {
	IsActive bool
	Tickets  *big.Int
	Pool     *big.Int
	Awarded  bool
}

type rawTopBuyer struct {
	Buyer       common.Address
	TicketCount *big.Int
}

func pack(method string, args ...any) []byte {
	data, err := LotteryABI.Pack(method, args...)
	if err != nil {
		// Only reachable with a programming error in argument types.
		panic(fmt.Sprintf("packing %s: %v", method, err))
	}
	return data
}

func unpackStatus(data []byte) (rawStatus, error) {
	var out rawStatus
	if err := LotteryABI.UnpackIntoInterface(&out, methodStatus, data); err != nil {
		return rawStatus{}, fmt.Errorf("decoding %s: %w", methodStatus, err)
	}
	return out, nil
}

func unpackTopBuyer(data []byte) (rawTopBuyer, error) {
	var out rawTopBuyer
	if err := LotteryABI.UnpackIntoInterface(&out, methodTopBuyer, data); err != nil {
		return rawTopBuyer{}, fmt.Errorf("decoding %s: %w", methodTopBuyer, err)
	}
	return out, nil
}

func unpackUint(method string, data []byte) (*big.Int, error) {
	vals, err := LotteryABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("decoding %s: expected 1 value, got %d", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decoding %s: unexpected type %T", method, vals[0])
	}
	return v, nil
}

func unpackUintSlice(method string, data []byte) ([]*big.Int, error) {
	vals, err := LotteryABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("decoding %s: expected 1 value, got %d", method, len(vals))
	}
	v, ok := vals[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("decoding %s: unexpected type %T", method, vals[0])
	}
	return v, nil
}
