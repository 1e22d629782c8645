// Package failure defines the error kinds surfaced by the wallet connector and
// the contract gateway, and maps raw wallet and RPC errors onto them.
package failure

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind string

const (
	NoWalletFound       Kind = "no_wallet_found"
	UserRejected        Kind = "user_rejected"
	NoAccounts          Kind = "no_accounts"
	InvalidSigner       Kind = "invalid_signer"
	WrongNetwork        Kind = "wrong_network"
	SwitchFailed        Kind = "switch_failed"
	RateLimited         Kind = "rate_limited"
	GasEstimationFailed Kind = "gas_estimation_failed"
	InsufficientFunds   Kind = "insufficient_funds"
	TransactionReverted Kind = "transaction_reverted"
	NetworkCongested    Kind = "network_congested"
	InvalidTicketCount  Kind = "invalid_ticket_count"
	LotteryInactive     Kind = "lottery_inactive"
	NotConnected        Kind = "not_connected"
)

var defaultMessages = map[Kind]string{
	NoWalletFound:       "no wallet found, install or configure a wallet",
	UserRejected:        "request rejected in wallet",
	NoAccounts:          "wallet returned no accounts",
	InvalidSigner:       "wallet signer is not usable",
	WrongNetwork:        "wallet is on the wrong network",
	SwitchFailed:        "could not switch wallet network",
	RateLimited:         "too many requests, try again shortly",
	GasEstimationFailed: "could not estimate gas for the transaction",
	InsufficientFunds:   "insufficient funds for tickets and gas",
	TransactionReverted: "transaction reverted",
	NetworkCongested:    "transaction failed, network may be congested",
	InvalidTicketCount:  "ticket count must be between 1 and 10",
	LotteryInactive:     "lottery is not active",
	NotConnected:        "wallet not connected",
}

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrNoWalletFound       = &Error{Kind: NoWalletFound}
	ErrUserRejected        = &Error{Kind: UserRejected}
	ErrNoAccounts          = &Error{Kind: NoAccounts}
	ErrInvalidSigner       = &Error{Kind: InvalidSigner}
	ErrWrongNetwork        = &Error{Kind: WrongNetwork}
	ErrSwitchFailed        = &Error{Kind: SwitchFailed}
	ErrRateLimited         = &Error{Kind: RateLimited}
	ErrGasEstimationFailed = &Error{Kind: GasEstimationFailed}
	ErrInsufficientFunds   = &Error{Kind: InsufficientFunds}
	ErrTransactionReverted = &Error{Kind: TransactionReverted}
	ErrNetworkCongested    = &Error{Kind: NetworkCongested}
	ErrInvalidTicketCount  = &Error{Kind: InvalidTicketCount}
	ErrLotteryInactive     = &Error{Kind: LotteryInactive}
	ErrNotConnected        = &Error{Kind: NotConnected}
)

// Error is a classified failure. Message is short and safe to show a user;
// Err keeps the raw cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = defaultMessages[e.Kind]
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// UserMessage returns the short text for display.
func (e *Error) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return defaultMessages[e.Kind]
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// UserMessage returns a display string for any error. Unclassified errors
// get the generic congestion message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.UserMessage()
	}
	return defaultMessages[NetworkCongested]
}
