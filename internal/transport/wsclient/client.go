// Package wsclient implements the client side ports over the server's websocket protocol.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sharetube/syncwatch/internal/domain"
	"github.com/sharetube/syncwatch/internal/transport/protocol"
)

var (
	ErrClosed        = errors.New("client closed")
	ErrDisconnected  = errors.New("disconnected")
	ErrWrongIdentity = errors.New("operation must be issued as the connected member")
	ErrWrongRoom     = errors.New("client is bound to another room")
)

type Config struct {
	// ServerURL is the server base, e.g. ws://localhost:8080.
	ServerURL      string
	RoomId         string
	MemberId       string
	RequestTimeout time.Duration
	WriteWait      time.Duration
	HandshakeWait  time.Duration
}

func DefaultConfig() Config {
	return Config{
		ServerURL:      "ws://localhost:8080",
		RequestTimeout: 10 * time.Second,
		WriteWait:      10 * time.Second,
		HandshakeWait:  10 * time.Second,
	}
}

type inbound struct {
	Type      string          `json:"type"`
	RequestId string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
	Error     *protocol.Error `json:"error"`
}

type outbound struct {
	Type      string `json:"type"`
	RequestId string `json:"request_id"`
	Payload   any    `json:"payload,omitempty"`
}

// Client talks to one room as one member. A dropped connection is redialed on the next call;
// subscriptions bound to the dropped connection end with domain.ErrSubscriptionLost.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	link   *link
	closed bool
}

func New(cfg Config, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.HandshakeWait <= 0 {
		cfg.HandshakeWait = def.HandshakeWait
	}

	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeWait,
		},
		logger: logger,
	}
}

func (c *Client) MemberId() string {
	return c.cfg.MemberId
}

func (c *Client) RoomId() string {
	return c.cfg.RoomId
}

func (c *Client) endpoint() string {
	return c.cfg.ServerURL + "/api/v1/ws/room/" + url.PathEscape(c.cfg.RoomId) + "?member-id=" + url.QueryEscape(c.cfg.MemberId)
}

// current returns the live link, dialing a new one when there is none.
func (c *Client) current(ctx context.Context) (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if c.link != nil && !c.link.isDone() {
		return c.link, nil
	}

	l, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	c.link = l
	return l, nil
}

func (c *Client) dial(ctx context.Context) (*link, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.endpoint(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(c.cfg.HandshakeWait))
	var first inbound
	if err := ws.ReadJSON(&first); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to read join result: %w", err)
	}
	ws.SetReadDeadline(time.Time{})

	if first.Error != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to join room: %w", first.Error.Err())
	}

	l := newLink(ws, c.cfg.WriteWait, c.logger)
	go l.readLoop()

	c.logger.InfoContext(ctx, "connected", "room_id", c.cfg.RoomId, "member_id", c.cfg.MemberId)
	return l, nil
}

// Close drops the connection. Live subscriptions end with domain.ErrSubscriptionLost.
func (c *Client) Close() error {
	c.mu.Lock()
	l := c.link
	c.closed = true
	c.link = nil
	c.mu.Unlock()

	if l == nil {
		return nil
	}

	return l.close()
}

func (c *Client) request(ctx context.Context, msgType string, payload any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	l, err := c.current(ctx)
	if err != nil {
		return err
	}

	return l.request(ctx, msgType, payload, out)
}

func (c *Client) checkRoom(roomId string) error {
	if roomId != c.cfg.RoomId {
		return fmt.Errorf("%w: %s", ErrWrongRoom, roomId)
	}

	return nil
}

func (c *Client) checkMember(userId string) error {
	if userId != c.cfg.MemberId {
		return fmt.Errorf("%w: %s", ErrWrongIdentity, userId)
	}

	return nil
}

func (c *Client) ProbeEcho(ctx context.Context, clientSentAt time.Time) (time.Time, error) {
	var out protocol.ProbeOutput
	if err := c.request(ctx, protocol.TypeProbe, protocol.ProbeInput{ClientSentAt: clientSentAt.UnixMicro()}, &out); err != nil {
		return time.Time{}, fmt.Errorf("failed to probe: %w", err)
	}

	return time.UnixMicro(out.ServerNow), nil
}

func (c *Client) ReadState(ctx context.Context, roomId string) (domain.CanonicalState, error) {
	if err := c.checkRoom(roomId); err != nil {
		return domain.CanonicalState{}, err
	}

	var state domain.CanonicalState
	if err := c.request(ctx, protocol.TypeReadState, nil, &state); err != nil {
		return domain.CanonicalState{}, fmt.Errorf("failed to read state: %w", err)
	}

	return state, nil
}

func (c *Client) UpdateState(ctx context.Context, roomId string, patch domain.Patch) (domain.CanonicalState, error) {
	if err := c.checkRoom(roomId); err != nil {
		return domain.CanonicalState{}, err
	}

	var state domain.CanonicalState
	if err := c.request(ctx, protocol.TypeUpdateState, patch, &state); err != nil {
		return domain.CanonicalState{}, fmt.Errorf("failed to update state: %w", err)
	}

	return state, nil
}

func (c *Client) lockRequest(ctx context.Context, roomId, userId, msgType string, payload any) (bool, error) {
	if err := c.checkRoom(roomId); err != nil {
		return false, err
	}
	if err := c.checkMember(userId); err != nil {
		return false, err
	}

	var out protocol.LockOutput
	if err := c.request(ctx, msgType, payload, &out); err != nil {
		return false, err
	}

	return out.Ok, nil
}

func (c *Client) ClaimLock(ctx context.Context, roomId, userId string) (bool, error) {
	ok, err := c.lockRequest(ctx, roomId, userId, protocol.TypeClaimHost, nil)
	if err != nil {
		return false, fmt.Errorf("failed to claim host: %w", err)
	}

	return ok, nil
}

func (c *Client) TransferLock(ctx context.Context, roomId, fromId, toId string) (bool, error) {
	ok, err := c.lockRequest(ctx, roomId, fromId, protocol.TypeTransferHost, protocol.TransferHostInput{ToId: toId})
	if err != nil {
		return false, fmt.Errorf("failed to transfer host: %w", err)
	}

	return ok, nil
}

func (c *Client) RenewLock(ctx context.Context, roomId, userId string) (bool, error) {
	ok, err := c.lockRequest(ctx, roomId, userId, protocol.TypeRenewHost, nil)
	if err != nil {
		return false, fmt.Errorf("failed to renew host: %w", err)
	}

	return ok, nil
}

func (c *Client) ReleaseLock(ctx context.Context, roomId, userId string) (bool, error) {
	ok, err := c.lockRequest(ctx, roomId, userId, protocol.TypeReleaseHost, nil)
	if err != nil {
		return false, fmt.Errorf("failed to release host: %w", err)
	}

	return ok, nil
}

// Subscribe delivers every STATE_UPDATED pushed on the current connection.
func (c *Client) Subscribe(ctx context.Context, roomId string, onChange func(domain.CanonicalState)) (domain.Subscription, error) {
	if err := c.checkRoom(roomId); err != nil {
		return nil, err
	}

	l, err := c.current(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	return l.subscribe(onChange)
}

func newRequestId() string {
	return uuid.NewString()
}
