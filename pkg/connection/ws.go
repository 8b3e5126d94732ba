// Package connection is a SurrealDB RPC client over a websocket.
//
// Requests and responses are CBOR frames correlated by a random request id.
// One goroutine reads frames and hands each response to the Send call that
// waits for it.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"
	gorilla "github.com/gorilla/websocket"

	"github.com/surrealdb/docsync/internal/rand"
	"github.com/surrealdb/docsync/pkg/logger"
	"github.com/surrealdb/docsync/pkg/models"
)

// DefaultDialer is the gorilla dialer used by Connect.
//
// It is the default gorilla dialer with compression enabled and the cbor
// subprotocol requested.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{"cbor"},
}

type Connection struct {
	cfg   Config
	codec Codec
	log   logger.Logger

	// connLock serializes writes; gorilla allows one concurrent writer.
	connLock sync.Mutex
	conn     *gorilla.Conn

	responseChannels     map[string]chan RPCResponse[cbor.RawMessage]
	responseChannelsLock sync.RWMutex

	closeOnce sync.Once
	closeCh   chan struct{}
	errLock   sync.Mutex
	closeErr  error
}

func New(cfg *Config) *Connection {
	c := *cfg
	if c.Codec == nil {
		c.Codec = models.CborCodec{}
	}
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
	return &Connection{
		cfg:              c,
		codec:            c.Codec,
		log:              c.Logger,
		responseChannels: make(map[string]chan RPCResponse[cbor.RawMessage]),
		closeCh:          make(chan struct{}),
	}
}

// Connect dials the endpoint and starts reading responses.
func (ws *Connection) Connect(ctx context.Context) error {
	conn, res, err := DefaultDialer.DialContext(ctx, ws.cfg.URL.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", ws.cfg.URL.Redacted(), err)
	}
	defer res.Body.Close()

	ws.connLock.Lock()
	ws.conn = conn
	ws.connLock.Unlock()

	go ws.readLoop(conn)
	ws.log.Debug("connected", "url", ws.cfg.URL.Redacted())
	return nil
}

// Close sends a close frame and closes the socket. Pending requests fail
// with ErrClosed.
func (ws *Connection) Close() error {
	ws.connLock.Lock()
	conn := ws.conn
	ws.conn = nil
	ws.connLock.Unlock()
	if conn == nil {
		return nil
	}

	ws.shutdown(ErrClosed)
	if err := conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(CloseMessageCode, "")); err != nil {
		ws.log.Warn("failed to write close message", "error", err)
	}
	return conn.Close()
}

func (ws *Connection) shutdown(err error) {
	ws.closeOnce.Do(func() {
		ws.errLock.Lock()
		ws.closeErr = err
		ws.errLock.Unlock()
		close(ws.closeCh)
	})
}

func (ws *Connection) closedErr() error {
	ws.errLock.Lock()
	defer ws.errLock.Unlock()
	return ws.closeErr
}

// Send issues an RPC request and waits for its response. A response
// carrying an error is returned as *RPCError.
func (ws *Connection) Send(ctx context.Context, method string, params ...any) (RPCResponse[cbor.RawMessage], error) {
	if ws.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ws.cfg.Timeout)
		defer cancel()
	}

	select {
	case <-ws.closeCh:
		return RPCResponse[cbor.RawMessage]{}, ws.closedErr()
	case <-ctx.Done():
		return RPCResponse[cbor.RawMessage]{}, ctx.Err()
	default:
	}

	id := rand.NewRequestID(RequestIDLength)
	responseChan, err := ws.createResponseChannel(id)
	if err != nil {
		return RPCResponse[cbor.RawMessage]{}, err
	}
	defer ws.removeResponseChannel(id)

	if err := ws.write(&RPCRequest{ID: id, Method: method, Params: params}); err != nil {
		return RPCResponse[cbor.RawMessage]{}, err
	}

	select {
	case <-ctx.Done():
		return RPCResponse[cbor.RawMessage]{}, ctx.Err()
	case <-ws.closeCh:
		return RPCResponse[cbor.RawMessage]{}, ws.closedErr()
	case res := <-responseChan:
		if res.Error != nil {
			return res, res.Error
		}
		return res, nil
	}
}

// Call sends an RPC request and decodes its result into T.
func Call[T any](ctx context.Context, ws *Connection, method string, params ...any) (T, error) {
	var out T
	res, err := ws.Send(ctx, method, params...)
	if err != nil {
		return out, err
	}
	if res.Result == nil {
		return out, nil
	}
	if err := ws.codec.Unmarshal(*res.Result, &out); err != nil {
		return out, fmt.Errorf("%w: decode %s result: %w", ErrInvalidResponse, method, err)
	}
	return out, nil
}

// Decode unmarshals a raw result with the connection's codec.
func (ws *Connection) Decode(raw cbor.RawMessage, dst any) error {
	return ws.codec.Unmarshal(raw, dst)
}

func (ws *Connection) Use(ctx context.Context, namespace, database string) error {
	_, err := ws.Send(ctx, "use", namespace, database)
	return err
}

// SignIn authenticates as a root or namespace user and returns the token.
func (ws *Connection) SignIn(ctx context.Context, username, password string) (string, error) {
	return Call[string](ctx, ws, "signin", map[string]any{"user": username, "pass": password})
}

// Query runs a SurrealQL script and returns one result per statement.
// Statement failures are not errors here; see StatementError.
func (ws *Connection) Query(ctx context.Context, sql string, vars map[string]any) ([]QueryResult, error) {
	results, err := Call[[]QueryResult](ctx, ws, "query", sql, vars)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// StatementError returns the error of statement i, or nil if it succeeded.
func (ws *Connection) StatementError(i int, q QueryResult) error {
	if q.Status == "OK" {
		return nil
	}
	var msg string
	if err := ws.codec.Unmarshal(q.Result, &msg); err != nil {
		msg = "status " + q.Status
	}
	return &QueryError{Statement: i, Message: msg}
}

func (ws *Connection) write(v any) error {
	data, err := ws.codec.Marshal(v)
	if err != nil {
		return err
	}

	ws.connLock.Lock()
	defer ws.connLock.Unlock()
	if ws.conn == nil {
		return ErrNotConnected
	}
	return ws.conn.WriteMessage(gorilla.BinaryMessage, data)
}

func (ws *Connection) createResponseChannel(id string) (chan RPCResponse[cbor.RawMessage], error) {
	ws.responseChannelsLock.Lock()
	defer ws.responseChannelsLock.Unlock()

	if _, ok := ws.responseChannels[id]; ok {
		return nil, fmt.Errorf("%w: %v", ErrIDInUse, id)
	}
	ch := make(chan RPCResponse[cbor.RawMessage], 1)
	ws.responseChannels[id] = ch
	return ch, nil
}

func (ws *Connection) removeResponseChannel(id string) {
	ws.responseChannelsLock.Lock()
	defer ws.responseChannelsLock.Unlock()
	delete(ws.responseChannels, id)
}

func (ws *Connection) getResponseChannel(id string) (chan RPCResponse[cbor.RawMessage], bool) {
	ws.responseChannelsLock.RLock()
	defer ws.responseChannelsLock.RUnlock()
	ch, ok := ws.responseChannels[id]
	return ch, ok
}

func (ws *Connection) readLoop(conn *gorilla.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, net.ErrClosed), gorilla.IsCloseError(err, gorilla.CloseNormalClosure):
				ws.shutdown(ErrClosed)
			default:
				ws.log.Error("websocket read failed", "error", err)
				ws.shutdown(fmt.Errorf("%w: %w", ErrClosed, err))
			}
			return
		}
		ws.handleResponse(data)
	}
}

func (ws *Connection) handleResponse(data []byte) {
	var res RPCResponse[cbor.RawMessage]
	if err := ws.codec.Unmarshal(data, &res); err != nil {
		ws.log.Error("failed to decode response", "error", err)
		return
	}
	id, ok := res.ID.(string)
	if !ok || id == "" {
		ws.log.Warn("ignoring response without request id", "id", res.ID)
		return
	}
	ch, ok := ws.getResponseChannel(id)
	if !ok {
		ws.log.Warn("unavailable response channel", "id", id)
		return
	}
	select {
	case ch <- res:
	default:
		ws.log.Warn("duplicate response", "id", id)
	}
}
