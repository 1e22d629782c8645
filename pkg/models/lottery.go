package models

import (
	"math/big"
	"time"
)

// MaxTicketsPerPurchase bounds a single buyTickets call.
const MaxTicketsPerPurchase = 10

type LotteryStatus struct {
	IsActive           bool
	TotalTickets       uint64
	TotalPoolAmount    string   // decimal, native units
	PoolWei            *big.Int // smallest unit
	RewardsDistributed bool
}

// TopBuyer is the address holding the most tickets. Address is "" when the
// contract reports the zero address.
type TopBuyer struct {
	Address     string
	TicketCount uint64
}

type UserTickets struct {
	Count   uint64
	Numbers []uint64
}

// NoTickets is the empty UserTickets value.
func NoTickets() UserTickets {
	return UserTickets{Count: 0, Numbers: []uint64{}}
}

// IsEmpty reports whether u holds no tickets.
func (u UserTickets) IsEmpty() bool {
	return u.Count == 0 && len(u.Numbers) == 0
}

type PurchaseStatus string

const (
	PurchaseSubmitted PurchaseStatus = "submitted"
	PurchaseMined     PurchaseStatus = "mined"
	PurchaseFailed    PurchaseStatus = "failed"
)

// Purchase is a submitted buyTickets transaction.
type Purchase struct {
	TxHash    string
	Buyer     string
	Count     uint64
	Value     *big.Int
	GasLimit  uint64
	Status    PurchaseStatus
	CreatedAt time.Time
}

// StatusSnapshot is a LotteryStatus observed at a point in time.
type StatusSnapshot struct {
	Status     LotteryStatus
	ObservedAt time.Time
}
