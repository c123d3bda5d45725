package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// CloseConnectedElsewhere is the close code the provider sends when
	// another client took over the account's connection slot.
	CloseConnectedElsewhere = 4409

	HandshakeTimeout = 30 * time.Second

	maxFrameSize int64 = 1 << 20
	writeTimeout       = 10 * time.Second
)

// Conn is one established provider websocket.
type Conn interface {
	// Read returns the next binary frame. A close frame with code 4409 is
	// reported as ErrConnectedElsewhere.
	Read() ([]byte, error)
	Write(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, target string, header http.Header) (Conn, error)
}

// HandshakeError carries the HTTP status of a rejected websocket upgrade.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake: HTTP %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// WebsocketDialer dials with gorilla/websocket. When a root CA file is
// given, only that trust root is accepted.
type WebsocketDialer struct {
	dialer websocket.Dialer
}

func NewDialer(rootCAFile string) (*WebsocketDialer, error) {
	d := &WebsocketDialer{dialer: websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: HandshakeTimeout,
	}}
	if rootCAFile == "" {
		return d, nil
	}
	pem, err := os.ReadFile(rootCAFile)
	if err != nil {
		return nil, fmt.Errorf("read root CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("root CA %s: no certificate found", rootCAFile)
	}
	d.dialer.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	return d, nil
}

func (d *WebsocketDialer) Dial(ctx context.Context, target string, header http.Header) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	ws.SetReadLimit(maxFrameSize)
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws     *websocket.Conn
	sendMu sync.Mutex
	closed atomic.Bool
}

func (c *wsConn) Read() ([]byte, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == CloseConnectedElsewhere {
				return nil, fmt.Errorf("%w: %s", ErrConnectedElsewhere, ce.Text)
			}
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Write(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.ws.Close()
}
