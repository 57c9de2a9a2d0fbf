// Package wsrpc multiplexes JSON-RPC pubsub subscriptions over one
// persistent websocket connection. A single task owns the socket; all
// external interaction happens over channels.
package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrAlreadyConnected = errors.New("wsrpc: already connected")
	ErrNotConnected     = errors.New("wsrpc: not connected")
)

// SubscriptionError carries the server's rejection of a subscribe request.
type SubscriptionError struct {
	Message string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("wsrpc: subscription failed: %s", e.Message)
}

type Status int

const (
	// only until the first connection
	StatusDisconnected Status = iota
	StatusConnected
	StatusReconnecting
)

const (
	pingInterval = 5 * time.Second

	// Per-subscription buffer. A consumer that stops draining is treated
	// as gone and unsubscribed.
	notificationBuffer = 1024
)

type subscribeParams struct {
	method string
	params []any
}

func subscribeMethodToUnsubscribe(method string) string {
	switch method {
	case "slotSubscribe":
		return "slotUnsubscribe"
	case "programSubscribe":
		return "programUnsubscribe"
	default:
		return ""
	}
}

func notificationMethodToUnsubscribe(method string) string {
	switch method {
	case "slotNotification":
		return "slotUnsubscribe"
	case "programNotification":
		return "programUnsubscribe"
	default:
		return ""
	}
}

type subscribeReply struct {
	subscriptionID uint64
	notifications  chan json.RawMessage
	err            error
}

type subscribeRequest struct {
	params subscribeParams
	reply  chan subscribeReply
}

type unsubscribeRequest struct {
	subscriptionID uint64
	reply          chan struct{}
}

type pendingSubscription struct {
	method string
	reply  chan subscribeReply
}

type activeSubscription struct {
	method        string
	notifications chan json.RawMessage
}

type Client struct {
	url    string
	logger *slog.Logger

	statusMu sync.Mutex
	status   Status

	subscribeCh   chan subscribeRequest
	unsubscribeCh chan unsubscribeRequest
	reconnectCh   chan chan struct{}
}

func NewClient(url string, logger *slog.Logger) *Client {
	return &Client{
		url:           url,
		logger:        logger,
		subscribeCh:   make(chan subscribeRequest, 100),
		unsubscribeCh: make(chan unsubscribeRequest, 100),
		reconnectCh:   make(chan chan struct{}, 1),
	}
}

func (c *Client) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

func (c *Client) setStatus(status Status) {
	c.statusMu.Lock()
	c.status = status
	c.statusMu.Unlock()
}

// ProgramSubscribe subscribes to account changes under a program. The
// returned channel closes when the subscription dies; callers observing a
// closed stream resubscribe themselves (reconnects do not re-issue
// outstanding subscriptions).
func (c *Client) ProgramSubscribe(ctx context.Context, programID string, config any) (uint64, <-chan json.RawMessage, error) {
	params := []any{programID}
	if config != nil {
		params = append(params, config)
	}
	return c.subscribe(ctx, subscribeParams{method: "programSubscribe", params: params})
}

func (c *Client) SlotSubscribe(ctx context.Context) (uint64, <-chan json.RawMessage, error) {
	return c.subscribe(ctx, subscribeParams{method: "slotSubscribe"})
}

func (c *Client) subscribe(ctx context.Context, params subscribeParams) (uint64, <-chan json.RawMessage, error) {
	if c.Status() == StatusDisconnected {
		return 0, nil, ErrNotConnected
	}

	request := subscribeRequest{params: params, reply: make(chan subscribeReply, 1)}
	select {
	case c.subscribeCh <- request:
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}

	select {
	case reply := <-request.reply:
		if reply.err != nil {
			return 0, nil, reply.err
		}
		return reply.subscriptionID, reply.notifications, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Unsubscribe tears down an active subscription. A no-op when the client is
// not connected; the subscription dies with the connection anyway.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID uint64) {
	if c.Status() != StatusConnected {
		return
	}

	request := unsubscribeRequest{subscriptionID: subscriptionID, reply: make(chan struct{}, 1)}
	select {
	case c.unsubscribeCh <- request:
	case <-ctx.Done():
		return
	}

	select {
	case <-request.reply:
	case <-ctx.Done():
	}
}

// Reconnect asks the owner task to cycle the connection and waits for the
// fresh socket.
func (c *Client) Reconnect(ctx context.Context) error {
	done := make(chan struct{}, 1)
	select {
	case c.reconnectCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns the socket until the context ends: an outer reconnect loop
// around an inner event loop. Returns ErrAlreadyConnected when a second
// task tries to take ownership.
func (c *Client) Run(ctx context.Context) error {
	if c.Status() != StatusDisconnected {
		return ErrAlreadyConnected
	}

	// Subscriptions requested while a reconnect is in flight stay pending
	// until the server answers on the new socket; they are not re-issued
	// automatically.
	pendingSubscriptions := make(map[uint64]pendingSubscription)
	var pendingReconnect chan struct{}

	for {
		if err := ctx.Err(); err != nil {
			c.setStatus(StatusDisconnected)
			return err
		}

		c.logger.Info("connecting to websocket", "url", c.url)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.setStatus(StatusDisconnected)
			return fmt.Errorf("wsrpc: connection could not be established: %w", err)
		}
		c.setStatus(StatusConnected)

		if pendingReconnect != nil {
			pendingReconnect <- struct{}{}
			pendingReconnect = nil
		}

		pendingReconnect = c.connectionLoop(ctx, conn, pendingSubscriptions)
		_ = conn.Close()
		c.setStatus(StatusReconnecting)
	}
}

// connectionLoop runs one connection's event loop. It returns the reply
// channel of an in-flight reconnect request, if one triggered the exit.
func (c *Client) connectionLoop(
	ctx context.Context,
	conn *websocket.Conn,
	pendingSubscriptions map[uint64]pendingSubscription,
) chan struct{} {
	// monotonically increasing per-message id, reset per connection
	requestID := uint64(1)

	activeSubscriptions := make(map[uint64]activeSubscription)
	pendingUnsubscriptions := make(map[uint64]chan struct{})
	defer func() {
		for _, subscription := range activeSubscriptions {
			close(subscription.notifications)
		}
	}()

	// the gorilla default ping handler answers server pings with pongs
	messages := make(chan []byte, 64)
	readErrors := make(chan error, 1)
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				readErrors <- err
				return
			}
			select {
			case messages <- payload:
			case <-readerDone:
				return
			}
		}
	}()

	pingTimer := time.NewTimer(pingInterval)
	defer pingTimer.Stop()
	resetPing := func() {
		if !pingTimer.Stop() {
			select {
			case <-pingTimer.C:
			default:
			}
		}
		pingTimer.Reset(pingInterval)
	}

	sendUnsubscribe := func(method string, subscriptionID uint64) {
		request := fmt.Sprintf(
			`{"jsonrpc":"2.0","id":%d,"method":%q,"params":[%d]}`,
			requestID, method, subscriptionID,
		)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(request)); err != nil {
			c.logger.Warn("websocket unsubscribe send failed", "err", err)
		}
		requestID++
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case done := <-c.reconnectCh:
			frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := conn.WriteMessage(websocket.CloseMessage, frame); err != nil {
				c.logger.Warn("websocket close frame send failed", "err", err)
			}
			return done

		case request := <-c.unsubscribeCh:
			subscription, ok := activeSubscriptions[request.subscriptionID]
			if !ok {
				request.reply <- struct{}{}
				continue
			}
			delete(activeSubscriptions, request.subscriptionID)
			close(subscription.notifications)

			c.logger.Info("unsubscribing", "subscription", request.subscriptionID, "request_id", requestID)
			pendingUnsubscriptions[requestID] = request.reply
			sendUnsubscribe(subscribeMethodToUnsubscribe(subscription.method), request.subscriptionID)

		case request := <-c.subscribeCh:
			payload, err := json.Marshal(map[string]any{
				"jsonrpc": "2.0",
				"id":      requestID,
				"method":  request.params.method,
				"params":  request.params.params,
			})
			if err != nil {
				request.reply <- subscribeReply{err: err}
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Warn("websocket subscribe send failed", "err", err)
				request.reply <- subscribeReply{err: ErrNotConnected}
				return nil
			}
			c.logger.Info("subscribing", "method", request.params.method, "request_id", requestID)
			pendingSubscriptions[requestID] = pendingSubscription{
				method: request.params.method,
				reply:  request.reply,
			}
			requestID++

		case <-pingTimer.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("websocket ping failed", "err", err)
				return nil
			}
			resetPing()

		case err := <-readErrors:
			c.logger.Warn("websocket read failed", "err", err)
			return nil

		case payload := <-messages:
			resetPing()
			c.handleMessage(payload, conn, &requestID, pendingSubscriptions, activeSubscriptions, pendingUnsubscriptions)
		}
	}
}

type rpcEnvelope struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Params *rpcParams      `json:"params"`
}

type rpcError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type rpcParams struct {
	Subscription uint64          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

func (c *Client) handleMessage(
	payload []byte,
	conn *websocket.Conn,
	requestID *uint64,
	pendingSubscriptions map[uint64]pendingSubscription,
	activeSubscriptions map[uint64]activeSubscription,
	pendingUnsubscriptions map[uint64]chan struct{},
) {
	var envelope rpcEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		c.logger.Warn("websocket message parse failed", "err", err)
		return
	}

	if envelope.ID != nil {
		id := *envelope.ID

		if reply, ok := pendingUnsubscriptions[id]; ok {
			delete(pendingUnsubscriptions, id)
			reply <- struct{}{}
			return
		}

		pending, ok := pendingSubscriptions[id]
		if !ok {
			return
		}
		delete(pendingSubscriptions, id)

		if envelope.Error != nil {
			pending.reply <- subscribeReply{err: &SubscriptionError{
				Message: fmt.Sprintf("%s (%d)", envelope.Error.Message, envelope.Error.Code),
			}}
			return
		}

		var subscriptionID uint64
		if err := json.Unmarshal(envelope.Result, &subscriptionID); err != nil {
			pending.reply <- subscribeReply{err: &SubscriptionError{
				Message: fmt.Sprintf("invalid result field: %s", payload),
			}}
			return
		}

		c.logger.Info("confirmed subscription", "method", pending.method, "request_id", id, "subscription", subscriptionID)
		notifications := make(chan json.RawMessage, notificationBuffer)
		pending.reply <- subscribeReply{subscriptionID: subscriptionID, notifications: notifications}
		activeSubscriptions[subscriptionID] = activeSubscription{
			method:        pending.method,
			notifications: notifications,
		}
		return
	}

	if envelope.Params == nil || envelope.Method == "" {
		return
	}

	subscriptionID := envelope.Params.Subscription
	subscription, ok := activeSubscriptions[subscriptionID]
	shouldUnsubscribe := !ok

	if ok {
		select {
		case subscription.notifications <- envelope.Params.Result:
		default:
			// consumer stopped draining: drop the subscription
			c.logger.Warn("subscription no longer drained, removing", "subscription", subscriptionID)
			delete(activeSubscriptions, subscriptionID)
			close(subscription.notifications)
			shouldUnsubscribe = true
		}
	}

	if shouldUnsubscribe {
		method := notificationMethodToUnsubscribe(envelope.Method)
		if method == "" {
			return
		}
		request := fmt.Sprintf(
			`{"jsonrpc":"2.0","id":%d,"method":%q,"params":[%d]}`,
			*requestID, method, subscriptionID,
		)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(request)); err != nil {
			c.logger.Warn("websocket unsubscribe send failed", "err", err)
		}
		*requestID = *requestID + 1
	}
}
