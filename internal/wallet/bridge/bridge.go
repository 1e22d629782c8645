// Package bridge reaches a remote wallet over a websocket JSON-RPC bridge.
// Requests are forwarded as JSON-RPC calls; the remote pushes wallet events
// as notifications whose method is the event name.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"lottery/internal/wallet"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type message struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *int64           `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *wallet.RPCError `json:"error"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params"`
}

type response struct {
	result json.RawMessage
	err    error
}

// Client is a wallet.Provider backed by a websocket connection.
type Client struct {
	wallet.Emitter

	url  string
	conn *websocket.Conn

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	requestID atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan response

	connected  atomic.Bool
	done       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
}

// Dial connects to the bridge and starts its read and ping loops.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing wallet bridge: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c := &Client{
		url:        url,
		conn:       conn,
		pending:    make(map[int64]chan response),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	c.connected.Store(true)

	go c.readLoop()
	go c.pingLoop()

	log.Info().Str("url", url).Msg("Wallet bridge connected")
	return c, nil
}

// IsConnected returns true while the socket is up.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if !c.connected.Load() {
		return nil, wallet.NewRPCError(wallet.CodeDisconnected, "wallet bridge disconnected")
	}
	if params == nil {
		params = []any{}
	}

	id := c.requestID.Add(1)
	ch := make(chan response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.write(func(conn *websocket.Conn) error { return conn.WriteJSON(req) }); err != nil {
		return nil, fmt.Errorf("writing %s request: %w", method, err)
	}

	log.Debug().Int64("id", id).Str("method", method).Msg("Sent bridge request")

	select {
	case resp := <-ch:
		return resp.result, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, wallet.NewRPCError(wallet.CodeDisconnected, "wallet bridge closed")
	case <-c.readerDone:
		return nil, wallet.NewRPCError(wallet.CodeDisconnected, "wallet bridge disconnected")
	}
}

// Close shuts the connection down. Subscribers receive a disconnect event.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.write(func(conn *websocket.Conn) error {
			return conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		})
		err = c.conn.Close()
	})
	<-c.readerDone
	return err
}

func (c *Client) write(fn func(conn *websocket.Conn) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return fn(c.conn)
}

func (c *Client) readLoop() {
	defer close(c.readerDone)
	defer c.shutdown()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.done:
				default:
					log.Warn().Err(err).Str("url", c.url).Msg("Wallet bridge read failed")
				}
			}
			return
		}

		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn().Err(err).Str("message", string(raw)).Msg("Failed to parse bridge message")
			continue
		}

		if msg.ID != nil {
			c.deliver(*msg.ID, msg)
			continue
		}

		if msg.Method != "" {
			switch ev := wallet.Event(msg.Method); ev {
			case wallet.EventAccountsChanged, wallet.EventChainChanged, wallet.EventDisconnect:
				c.Emit(ev, msg.Params)
			default:
				log.Debug().Str("method", msg.Method).Msg("Ignoring bridge notification")
			}
		}
	}
}

func (c *Client) deliver(id int64, msg message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()
	if !ok {
		log.Debug().Int64("id", id).Msg("Response for unknown bridge request")
		return
	}

	resp := response{result: msg.Result}
	if msg.Error != nil {
		resp = response{err: msg.Error}
	}
	ch <- resp
}

// shutdown fails every pending request and tells subscribers the wallet is
// gone.
func (c *Client) shutdown() {
	c.connected.Store(false)

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan response)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- response{err: wallet.NewRPCError(wallet.CodeDisconnected, "wallet bridge disconnected")}
	}

	c.Emit(wallet.EventDisconnect, wallet.NewRPCError(wallet.CodeDisconnected, "wallet bridge disconnected"))
	log.Info().Str("url", c.url).Msg("Wallet bridge disconnected")
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.readerDone:
			return
		case <-ticker.C:
			err := c.write(func(conn *websocket.Conn) error {
				return conn.WriteMessage(websocket.PingMessage, nil)
			})
			if err != nil {
				log.Warn().Err(err).Msg("Bridge ping failed")
			}
		}
	}
}
