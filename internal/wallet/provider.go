// Package wallet connects to an injected wallet provider and tracks the
// resulting account, chain and signer.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Event names a wallet-originated notification.
type Event string

const (
	EventAccountsChanged Event = "accountsChanged"
	EventChainChanged    Event = "chainChanged"
	EventDisconnect      Event = "disconnect"
)

// Provider is the request/event surface a wallet exposes. Results and event
// payloads are raw JSON as the wallet sent them.
type Provider interface {
	Request(ctx context.Context, method string, params ...any) (json.RawMessage, error)
	On(event Event, fn func(payload json.RawMessage)) (unsubscribe func())
}

// Provider error codes.
const (
	CodeUserRejected   = 4001
	CodeUnauthorized   = 4100
	CodeUnsupported    = 4200
	CodeDisconnected   = 4900
	CodeUnknownChain   = 4902
	CodeMethodNotFound = -32601
	CodeInternal       = -32603
)

// RPCError is an error returned by a wallet provider.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("wallet error %d: %s", e.Code, e.Message)
}

func (e *RPCError) ErrorCode() int { return e.Code }

// ErrorData returns the data field decoded as a string when it is one, else
// the raw JSON.
func (e *RPCError) ErrorData() interface{} {
	if len(e.Data) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	return e.Data
}

// NewRPCError is a convenience for provider implementations.
func NewRPCError(code int, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode returns the provider or RPC error code carried by err.
func ErrorCode(err error) (int, bool) {
	var coded interface{ ErrorCode() int }
	if errors.As(err, &coded) {
		return coded.ErrorCode(), true
	}
	return 0, false
}

// Emitter is a subscriber registry providers embed to implement On.
type Emitter struct {
	mu   sync.Mutex
	next int
	subs map[Event]map[int]func(json.RawMessage)
}

func (e *Emitter) On(event Event, fn func(payload json.RawMessage)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.subs == nil {
		e.subs = make(map[Event]map[int]func(json.RawMessage))
	}
	if e.subs[event] == nil {
		e.subs[event] = make(map[int]func(json.RawMessage))
	}
	id := e.next
	e.next++
	e.subs[event][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.subs[event], id)
		})
	}
}

// Emit delivers payload to every subscriber of event on the caller's
// goroutine. payload may be raw JSON or any marshalable value.
func (e *Emitter) Emit(event Event, payload any) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return
		}
		raw = b
	}

	e.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(e.subs[event]))
	for _, fn := range e.subs[event] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(raw)
	}
}

// Listeners returns the number of subscribers for event.
func (e *Emitter) Listeners(event Event) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs[event])
}
