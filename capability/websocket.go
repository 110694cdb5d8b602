package capability

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"golang.org/x/net/http/httpguts"

	"github.com/cryguy/sandbox/internal/core"
)

// Defaults for WebSocketOptions.
const (
	DefaultWebSocketTimeout = 10 * time.Second
	DefaultMaxMessageBytes  = 1 << 20
)

// WebSocketOptions configure the capability returned by WebSocket.
type WebSocketOptions struct {
	// Name is the guest-visible name. Defaults to "websocket".
	Name string

	// Timeout bounds one exchange: handshake, send and receive.
	Timeout time.Duration

	// MaxMessageBytes caps the reply. Defaults to 1 MiB.
	MaxMessageBytes int64

	// AllowPrivate permits loopback and private targets.
	AllowPrivate bool
}

func (o WebSocketOptions) withDefaults() WebSocketOptions {
	if o.Name == "" {
		o.Name = "websocket"
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultWebSocketTimeout
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return o
}

// WebSocketRequest is the argument guests pass to the WebSocket capability.
type WebSocketRequest struct {
	URL          string            `json:"url"`
	Message      string            `json:"message"`
	Base64       bool              `json:"base64,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Subprotocols []string          `json:"subprotocols,omitempty"`
}

// WebSocketReply is the first message the server sent back. A binary
// message is base64-encoded and flagged.
type WebSocketReply struct {
	Message     string `json:"message"`
	Base64      bool   `json:"base64,omitempty"`
	Subprotocol string `json:"subprotocol,omitempty"`
}

type wsCap struct {
	opts   WebSocketOptions
	client *http.Client
}

// WebSocket returns a capability performing one request/reply exchange per
// call: it connects, sends one message, reads one message and closes.
// Nothing outlives the call.
func WebSocket(opts WebSocketOptions) core.Capability {
	w := &wsCap{opts: opts.withDefaults()}
	dial := (&net.Dialer{Timeout: 10 * time.Second}).DialContext
	if !w.opts.AllowPrivate {
		dial = publicDialContext
	}
	w.client = &http.Client{
		Transport: &http.Transport{
			DialContext:         dial,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if !w.opts.AllowPrivate && IsPrivateHostname(req.URL.String()) {
				return ErrPrivateAddress
			}
			return nil
		},
	}
	return Describe(Func(w.opts.Name, w.exchange), "Sends one WebSocket message and returns the reply.")
}

func (w *wsCap) exchange(ctx context.Context, in WebSocketRequest) (*WebSocketReply, error) {
	u, err := url.Parse(in.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", in.URL)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if !w.opts.AllowPrivate && IsPrivateHostname(in.URL) {
		return nil, ErrPrivateAddress
	}

	typ, payload := websocket.MessageText, []byte(in.Message)
	if in.Base64 {
		if payload, err = base64.StdEncoding.DecodeString(in.Message); err != nil {
			return nil, fmt.Errorf("message is not valid base64: %w", err)
		}
		typ = websocket.MessageBinary
	}

	header := http.Header{}
	for k, v := range in.Headers {
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, fmt.Errorf("invalid header name %q", k)
		}
		if !httpguts.ValidHeaderFieldValue(v) {
			return nil, fmt.Errorf("invalid value for header %q", k)
		}
		lower := strings.ToLower(k)
		if ForbiddenHeaders[lower] || strings.HasPrefix(lower, "sec-websocket-") {
			continue
		}
		header.Set(k, v)
	}

	ctx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, in.URL, &websocket.DialOptions{
		HTTPClient:   w.client,
		HTTPHeader:   header,
		Subprotocols: in.Subprotocols,
	})
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if errors.Is(err, ErrPrivateAddress) {
			return nil, ErrPrivateAddress
		}
		return nil, fmt.Errorf("connecting to %s: %w", in.URL, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(w.opts.MaxMessageBytes)

	if err := conn.Write(ctx, typ, payload); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}
	rtyp, data, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading reply: %w", err)
	}

	out := &WebSocketReply{Subprotocol: conn.Subprotocol()}
	if rtyp == websocket.MessageBinary || !utf8.Valid(data) {
		out.Message = base64.StdEncoding.EncodeToString(data)
		out.Base64 = true
	} else {
		out.Message = string(data)
	}
	return out, nil
}
