// Package client is the interactive side of the RPC conduit: a websocket client with typed
// operations and a debounced state syncer.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/engine"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/protocol"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/validation"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

var ErrClosed = errors.New("client: connection closed")

const writeTimeout = 5 * time.Second

type Options struct {
	ClientName string
	Logger     *slog.Logger
	// OnSaved receives SAVED pushes on the read goroutine; it must not block.
	OnSaved func(protocol.SavedMsg)
	Dialer  *websocket.Dialer
}

type Client struct {
	conn    *websocket.Conn
	log     *slog.Logger
	onSaved func(protocol.SavedMsg)
	welcome protocol.WelcomeMsg

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.ResMsg
	err     error

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects, performs the HELLO/WELCOME handshake and starts the read loop.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      opts.ClientName,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send HELLO: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	var welcome protocol.WelcomeMsg
	if err := conn.ReadJSON(&welcome); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read WELCOME: %w", err)
	}
	if welcome.Type != protocol.TypeWelcome {
		_ = conn.Close()
		return nil, fmt.Errorf("expected WELCOME, got %q", welcome.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:    conn,
		log:     logger.With("component", "client", "session", welcome.SessionID),
		onSaved: opts.OnSaved,
		welcome: welcome,
		pending: map[string]chan protocol.ResMsg{},
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Welcome() protocol.WelcomeMsg { return c.welcome }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeRes:
			var res protocol.ResMsg
			if err := json.Unmarshal(msg, &res); err != nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[res.ID]
			delete(c.pending, res.ID)
			c.mu.Unlock()
			if ok {
				ch <- res
			} else {
				c.log.Warn("response for unknown call", "id", res.ID, "code", res.Code)
			}
		case protocol.TypeSaved:
			if c.onSaved == nil {
				continue
			}
			var saved protocol.SavedMsg
			if err := json.Unmarshal(msg, &saved); err == nil {
				c.onSaved(saved)
			}
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Call sends one REQ and decodes the result into out (which may be nil). A failed RES is
// returned as a *protocol.Error.
func (c *Client) Call(ctx context.Context, op string, params any, out any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("%s: encode params: %w", op, err)
		}
		raw = b
	}
	id := uuid.NewString()
	ch := make(chan protocol.ResMsg, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.conn.WriteJSON(protocol.ReqMsg{Type: protocol.TypeReq, ID: id, Op: op, Params: raw})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("%s: send: %w", op, err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if !res.OK {
			return &protocol.Error{Code: res.Code, Message: res.Message}
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(res.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", op, err)
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) InitWorkspace(ctx context.Context, snap workspace.Snapshot) error {
	return c.Call(ctx, protocol.OpInitWorkspace, protocol.InitWorkspaceParams{Snapshot: snap}, nil)
}

func (c *Client) UpdateState(ctx context.Context, p workspace.UpdatePayload) (engine.UpdateStateResult, error) {
	var out engine.UpdateStateResult
	err := c.Call(ctx, protocol.OpUpdateState, p, &out)
	return out, err
}

func (c *Client) UpdateSettings(ctx context.Context, patch workspace.SettingsPatch) (engine.UpdateSettingsResult, error) {
	var out engine.UpdateSettingsResult
	err := c.Call(ctx, protocol.OpUpdateSettings, patch, &out)
	return out, err
}

func (c *Client) UpdateBuildableAreas(ctx context.Context, areas workspace.BuildableAreaSet) (engine.UpdateBuildableAreasResult, error) {
	var out engine.UpdateBuildableAreasResult
	err := c.Call(ctx, protocol.OpUpdateBuildableAreas, protocol.UpdateBuildableAreasParams{Areas: areas}, &out)
	return out, err
}

func (c *Client) Revalidate(ctx context.Context) (validation.Result, error) {
	var out validation.Result
	err := c.Call(ctx, protocol.OpRevalidate, nil, &out)
	return out, err
}

// Validate checks items without touching the engine's state. A nil settings uses the
// engine's current ones.
func (c *Client) Validate(ctx context.Context, items []workspace.Item, settings *workspace.Settings) (validation.Result, error) {
	if items == nil {
		items = []workspace.Item{}
	}
	var out validation.Result
	err := c.Call(ctx, protocol.OpValidate, protocol.ValidateParams{Items: items, Config: settings}, &out)
	return out, err
}
