package base

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

// Limiter gates outbound calls. *throttle.Queue satisfies it.
type Limiter interface {
	Enqueue(ctx context.Context, call func(ctx context.Context) error) error
}

// RequestObserver is notified of every RPC attempt.
type RequestObserver interface {
	ObserveRPCRequest(method string, err error)
}

// Client is the read-only provider. Every eth_call goes through the limiter.
type Client struct {
	ethClient  *ethclient.Client
	rpcURL     string
	limiter    Limiter
	observer   RequestObserver
	maxRetries int
	backoff    time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestObserver registers an observer for RPC attempts.
func WithRequestObserver(o RequestObserver) ClientOption {
	return func(c *Client) { c.observer = o }
}

// WithRetry sets the attempt count and initial backoff for transient errors.
func WithRetry(maxRetries int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		if maxRetries > 0 {
			c.maxRetries = maxRetries
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

func NewClient(rpcURL string, limiter Limiter, opts ...ClientOption) (*Client, error) {
	if limiter == nil {
		return nil, fmt.Errorf("read provider requires a limiter")
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC %s: %w", rpcURL, err)
	}

	c := &Client{
		ethClient:  client,
		rpcURL:     rpcURL,
		limiter:    limiter,
		maxRetries: 3,
		backoff:    100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Close() {
	c.ethClient.Close()
}

// RPCURL returns the endpoint the client was dialed with.
func (c *Client) RPCURL() string {
	return c.rpcURL
}

func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{
		To:   &to,
		Data: data,
	}

	var result []byte
	err := c.retryCall(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = c.ethClient.CallContract(ctx, msg, nil)
		c.observe("eth_call", callErr)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	return result, nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.limiter.Enqueue(ctx, func(ctx context.Context) error {
		var callErr error
		id, callErr = c.ethClient.ChainID(ctx)
		c.observe("eth_chainId", callErr)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (c *Client) observe(method string, err error) {
	if c.observer != nil {
		c.observer.ObserveRPCRequest(method, err)
	}
}

// retryCall runs fn through the limiter with exponential backoff on transient
// errors. Every attempt takes its own throttle slot.
func (c *Client) retryCall(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		err := c.limiter.Enqueue(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || !isTransientError(err.Error()) {
			return err
		}
		if attempt == c.maxRetries-1 {
			break
		}

		// 100ms, 200ms, 400ms
		backoff := c.backoff << attempt
		log.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Retrying transient RPC error")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// isTransientError checks if an error is likely transient and worth retrying
func isTransientError(errStr string) bool {
	transientPatterns := []string{
		"EOF",
		"connection reset",
		"timeout",
		"temporary failure",
		"too many requests",
		"rate limit",
		"429",
		"503",
		"502",
		"504",
	}
	errLower := strings.ToLower(errStr)
	for _, pattern := range transientPatterns {
		if strings.Contains(errLower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
