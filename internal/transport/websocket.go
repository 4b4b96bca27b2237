package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

// WebSocketConfig configures OpenWebSocket.
type WebSocketConfig struct {
	Header           http.Header
	SkipTLSVerify    bool
	HandshakeTimeout time.Duration
}

// wsPort talks to a remote serial bridge that relays raw bytes in binary
// WebSocket messages. The bridge exposes neither control lines nor baud
// rate changes.
type wsPort struct {
	*pump

	conn    *websocket.Conn
	id      Identity
	writeMu sync.Mutex
}

// OpenWebSocket dials a serial bridge and starts its read loop.
func OpenWebSocket(ctx context.Context, wsURL string, cfg WebSocketConfig) (Port, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, errors.Annotatef(err, "invalid URL")
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, errors.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.SkipTLSVerify}
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, cfg.Header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusNotFound:
				return nil, errors.Annotatef(ErrNotFound, "%s (HTTP %d)", u.Redacted(), resp.StatusCode)
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, errors.Annotatef(ErrPermissionDenied, "%s (HTTP %d)", u.Redacted(), resp.StatusCode)
			}
		}
		return nil, errors.Annotatef(err, "WebSocket connection to %s failed", u.Redacted())
	}

	p := &wsPort{
		pump: newPump(),
		conn: conn,
		id:   Identity{Name: u.Redacted(), Description: "websocket bridge"},
	}
	glog.Infof("%s connected", p.id.Name)
	go p.run(p.id.Name, &wsReader{conn: conn}, 4096)
	return p, nil
}

// wsReader adapts binary messages to io.Reader for the pump.
type wsReader struct {
	conn *websocket.Conn
	buf  []byte
}

func (r *wsReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		messageType, data, err := r.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		r.buf = data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (p *wsPort) Identity() Identity { return p.id }

func (p *wsPort) Capabilities() Capabilities { return Capabilities{} }

func (p *wsPort) Write(data []byte) (int, error) {
	if p.closed() {
		return 0, errors.Trace(ErrDisconnected)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return 0, errors.Annotatef(err, "%s: write", p.id.Name)
	}
	return len(data), nil
}

func (p *wsPort) SetControlLines(assertBootStrap, assertReset bool) error {
	return errors.Annotatef(ErrUnsupported, "%s: control lines", p.id.Name)
}

func (p *wsPort) SetBaudRate(baud int) error {
	return errors.Annotatef(ErrUnsupported, "%s: baud rate", p.id.Name)
}

// BaudRate is whatever the bridge runs at; the default is assumed.
func (p *wsPort) BaudRate() int { return DefaultBaudRate }

func (p *wsPort) Flush() error {
	p.drain()
	return nil
}

func (p *wsPort) Close() error {
	if p.closed() {
		return nil
	}
	p.stop(errors.Annotatef(ErrDisconnected, "%s closed", p.id.Name))
	p.writeMu.Lock()
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	p.writeMu.Unlock()
	return errors.Trace(p.conn.Close())
}
