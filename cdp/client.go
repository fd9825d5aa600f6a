// Package cdp is a minimal Chrome DevTools Protocol client. It sends
// commands to the browser and to the targets attached to it, routing each
// response back to the command that is waiting for it.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/grafana/cchrome/cdp/domains"
	"github.com/grafana/cchrome/log"
)

// ErrConnectionClosed is returned by commands executed on, or waiting for
// a response from, a closed connection.
var ErrConnectionClosed = errors.New("CDP connection closed")

var _ cdp.Executor = &Client{}

// Client manages CDP communication with the browser.
type Client struct {
	ctx    context.Context
	logger *log.Logger

	Browser domains.Browser
	Page    domains.Page
	Runtime domains.Runtime
	Target  domains.Target

	conn  *connection
	wsURL string
	msgID int64

	msgSubsMu sync.Mutex
	msgSubs   map[int64]chan *cdproto.Message

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewClient returns a new Client that is unusable until a CDP connection is
// established with Connect(). Cancelling ctx closes the connection.
func NewClient(ctx context.Context, logger *log.Logger) *Client {
	c := &Client{
		ctx:     ctx,
		logger:  logger,
		msgSubs: make(map[int64]chan *cdproto.Message),
		done:    make(chan struct{}),
	}

	c.Browser = domains.NewBrowser(c)
	c.Page = domains.NewPage(c)
	c.Runtime = domains.NewRuntime(c)
	c.Target = domains.NewTarget(c)

	return c
}

// Connect to the browser that exposes a CDP API at wsURL.
func (c *Client) Connect(wsURL string) (err error) {
	if c.wsURL != "" {
		return fmt.Errorf("CDP connection already established to %q", c.wsURL)
	}

	if c.conn, err = newConnection(c.ctx, wsURL, c.logger); err != nil {
		return err
	}
	c.logger.Infof("cdp", "established CDP connection to %q", wsURL)
	c.wsURL = wsURL

	go c.recvLoop()
	go func() {
		select {
		case <-c.ctx.Done():
			c.shutdown(fmt.Errorf("%w: %w", ErrConnectionClosed, c.ctx.Err()))
		case <-c.done:
		}
	}()

	return nil
}

// Close closes the connection to the browser. Commands waiting for a
// response return ErrConnectionClosed.
func (c *Client) Close() error {
	c.shutdown(ErrConnectionClosed)
	return nil
}

// Done is closed when the connection is closed, either by Close, by
// cancelling the client context or by the browser.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection was closed, or nil while it is open.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Execute implements cdp.Executor and performs a synchronous send and
// receive. The command is sent to the session set by WithSessionID.
func (c *Client) Execute(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	if c.conn == nil {
		return fmt.Errorf("executing %s: %w", method, ErrConnectionClosed)
	}
	if err := c.Err(); err != nil {
		return fmt.Errorf("executing %s: %w", method, err)
	}

	id := atomic.AddInt64(&c.msgID, 1)
	sid := GetSessionID(ctx)
	c.logger.Debugf("Client:Execute", "wsURL:%q sid:%q id:%d method:%q", c.wsURL, sid, id, method)

	var buf []byte
	if params != nil {
		var err error
		if buf, err = easyjson.Marshal(params); err != nil {
			return fmt.Errorf("marshalling %s params: %w", method, err)
		}
	}
	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}
	// We use different sessions to send messages to "targets"
	// (browser, page, frame etc.) in CDP.
	if sid != "" {
		msg.SessionID = target.SessionID(sid)
	}

	// Subscribe before sending so that a fast reply isn't lost.
	recvCh := make(chan *cdproto.Message, 1)
	c.msgSubsMu.Lock()
	c.msgSubs[id] = recvCh
	c.msgSubsMu.Unlock()
	defer func() {
		c.msgSubsMu.Lock()
		delete(c.msgSubs, id)
		c.msgSubsMu.Unlock()
	}()

	if err := c.conn.writeMessage(msg); err != nil {
		c.shutdown(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
		return fmt.Errorf("executing %s: %w", method, err)
	}

	select {
	case reply := <-recvCh:
		if reply.Error != nil {
			return fmt.Errorf("executing %s: %w", method, reply.Error)
		}
		if res == nil {
			return nil
		}
		if err := easyjson.Unmarshal(reply.Result, res); err != nil {
			return fmt.Errorf("unmarshalling %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		c.logger.Debugf("Client:Execute:<-ctx.Done()", "wsURL:%q id:%d method:%q err:%v", c.wsURL, id, method, ctx.Err())
		return fmt.Errorf("executing %s: %w", method, ctx.Err())
	case <-c.done:
		return fmt.Errorf("executing %s: %w", method, c.closeErr)
	}
}

func (c *Client) recvLoop() {
	for {
		msg, err := c.conn.readMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debugf("Client:recvLoop", "wsURL:%q err:%v", c.wsURL, err)
			}
			c.shutdown(fmt.Errorf("%w: %w", ErrConnectionClosed, err))
			return
		}

		switch {
		case msg.Method != "":
			// events aren't needed to navigate, readiness is polled.
			c.logger.Tracef("Client:recvLoop", "sid:%q event:%q", msg.SessionID, msg.Method)
		case msg.ID > 0:
			c.msgSubsMu.Lock()
			ch, ok := c.msgSubs[msg.ID]
			delete(c.msgSubs, msg.ID)
			c.msgSubsMu.Unlock()
			if !ok {
				// the command was abandoned, e.g. its context timed out.
				c.logger.Debugf("Client:recvLoop", "wsURL:%q no subscriber for reply id:%d", c.wsURL, msg.ID)
				continue
			}
			ch <- msg
		default:
			c.logger.Errorf("cdp", "ignoring malformed incoming CDP message (missing id or method): %#v", msg)
		}
	}
}

func (c *Client) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.closeErr = reason
		close(c.done)
		if c.conn == nil {
			return
		}
		if err := c.conn.close(); err != nil {
			c.logger.Debugf("Client:shutdown", "wsURL:%q err:%v", c.wsURL, err)
		}
	})
}
