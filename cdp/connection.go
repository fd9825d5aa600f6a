package cdp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jwriter"

	"github.com/grafana/cchrome/log"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsBufferSize       = 1 << 20
)

// connection is a WebSocket connection speaking CDP messages.
type connection struct {
	ws     *websocket.Conn
	wsURL  string
	logger *log.Logger

	// gorilla/websocket supports one concurrent writer.
	writeMu sync.Mutex
}

func newConnection(ctx context.Context, wsURL string, logger *log.Logger) (*connection, error) {
	wd := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, resp, err := wd.DialContext(ctx, wsURL, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %q: %w", wsURL, err)
	}

	return &connection{ws: ws, wsURL: wsURL, logger: logger}, nil
}

func (c *connection) readMessage() (*cdproto.Message, error) {
	_, buf, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading from %q: %w", c.wsURL, err)
	}

	var msg cdproto.Message
	if err := easyjson.Unmarshal(buf, &msg); err != nil {
		return nil, fmt.Errorf("unmarshalling CDP message %q: %w", buf, err)
	}
	c.logger.Tracef("cdp:recv", "<- %s", buf)

	return &msg, nil
}

func (c *connection) writeMessage(msg *cdproto.Message) error {
	var jw jwriter.Writer
	msg.MarshalEasyJSON(&jw)
	if jw.Error != nil {
		return fmt.Errorf("marshalling CDP message %d: %w", msg.ID, jw.Error)
	}
	buf, err := jw.BuildBytes()
	if err != nil {
		return fmt.Errorf("marshalling CDP message %d: %w", msg.ID, err)
	}
	c.logger.Tracef("cdp:send", "-> %s", buf)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return fmt.Errorf("writing to %q: %w", c.wsURL, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, buf); err != nil {
		return fmt.Errorf("writing to %q: %w", c.wsURL, err)
	}

	return nil
}

// close sends a close frame and closes the underlying connection.
func (c *connection) close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

	if err := c.ws.Close(); err != nil {
		return fmt.Errorf("closing connection to %q: %w", c.wsURL, err)
	}
	return nil
}
