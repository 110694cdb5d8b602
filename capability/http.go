package capability

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/net/http/httpguts"

	"github.com/cryguy/sandbox/internal/core"
)

// Defaults for HTTPOptions.
const (
	DefaultHTTPTimeout      = 30 * time.Second
	DefaultMaxResponseBytes = 10 << 20
	DefaultHTTPRetryMax     = 2
	maxRedirects            = 10
)

// ErrPrivateAddress is returned for requests whose target resolves to a
// private, loopback or link-local address.
var ErrPrivateAddress = errors.New("requests to private addresses are not allowed")

// ForbiddenHeaders are request headers the guest may not set. They are
// dropped silently.
var ForbiddenHeaders = map[string]bool{
	"host":                true,
	"transfer-encoding":   true,
	"connection":          true,
	"keep-alive":          true,
	"upgrade":             true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"content-length":      true,
	"x-forwarded-for":     true,
	"x-forwarded-host":    true,
	"x-forwarded-proto":   true,
	"x-real-ip":           true,
}

// HTTPOptions configure the capability returned by HTTP.
type HTTPOptions struct {
	// Name is the guest-visible name. Defaults to "http".
	Name string

	// Timeout bounds one call including retries. Defaults to 30s.
	Timeout time.Duration

	// MaxResponseBytes caps the decoded response body. Defaults to 10 MiB.
	MaxResponseBytes int64

	// AllowPrivate permits loopback and private targets.
	AllowPrivate bool

	// RetryMax is the number of retries for connection errors and 5xx
	// responses. Zero means DefaultHTTPRetryMax; negative disables retries.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// Transport overrides the round tripper. The private-address dial guard
	// only applies to the default transport.
	Transport http.RoundTripper

	UserAgent string
}

func (o HTTPOptions) withDefaults() HTTPOptions {
	if o.Name == "" {
		o.Name = "http"
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultHTTPTimeout
	}
	if o.MaxResponseBytes <= 0 {
		o.MaxResponseBytes = DefaultMaxResponseBytes
	}
	switch {
	case o.RetryMax == 0:
		o.RetryMax = DefaultHTTPRetryMax
	case o.RetryMax < 0:
		o.RetryMax = 0
	}
	if o.RetryWaitMin <= 0 {
		o.RetryWaitMin = 200 * time.Millisecond
	}
	if o.RetryWaitMax < o.RetryWaitMin {
		o.RetryWaitMax = 10 * o.RetryWaitMin
	}
	return o
}

// HTTPRequest is the argument guests pass to the HTTP capability.
type HTTPRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	// Base64 marks Body as base64-encoded bytes.
	Base64 bool `json:"base64,omitempty"`
}

// HTTPResponse is the value the guest's promise resolves with. Header names
// are lower-cased; repeated headers are joined with ", ". A body that is not
// valid UTF-8 is base64-encoded and flagged.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Base64  bool              `json:"base64,omitempty"`
}

type httpCap struct {
	opts   HTTPOptions
	client *retryablehttp.Client
}

// HTTP returns a capability performing one outbound request per call:
// http({url, method?, headers?, body?}) resolves to {status, headers, body}.
// Non-2xx statuses resolve normally; transport failures reject.
func HTTP(opts HTTPOptions) core.Capability {
	h := &httpCap{opts: opts.withDefaults()}
	h.client = h.newClient()
	return Describe(Func(h.opts.Name, h.do), "Performs an outbound HTTP request.")
}

func (h *httpCap) newClient() *retryablehttp.Client {
	transport := h.opts.Transport
	if transport == nil {
		dial := (&net.Dialer{Timeout: 10 * time.Second}).DialContext
		if !h.opts.AllowPrivate {
			dial = publicDialContext
		}
		transport = &http.Transport{
			DialContext:         dial,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = h.opts.RetryMax
	c.RetryWaitMin = h.opts.RetryWaitMin
	c.RetryWaitMax = h.opts.RetryWaitMax
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if errors.Is(err, ErrPrivateAddress) {
			return false, err
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	c.HTTPClient = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if !h.opts.AllowPrivate && IsPrivateHostname(req.URL.String()) {
				return ErrPrivateAddress
			}
			return nil
		},
	}
	return c
}

func (h *httpCap) do(ctx context.Context, in HTTPRequest) (*HTTPResponse, error) {
	req, err := h.build(ctx, in)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := h.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if errors.Is(err, ErrPrivateAddress) {
			return nil, ErrPrivateAddress
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, in.URL, err)
	}
	defer resp.Body.Close()

	body, err := h.readBody(resp)
	if err != nil {
		return nil, err
	}

	out := &HTTPResponse{
		Status:  resp.StatusCode,
		Headers: make(map[string]string, len(resp.Header)),
	}
	for k, vs := range resp.Header {
		out.Headers[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	if body.decoded {
		delete(out.Headers, "content-encoding")
		delete(out.Headers, "content-length")
	}
	if utf8.Valid(body.data) {
		out.Body = string(body.data)
	} else {
		out.Body = base64.StdEncoding.EncodeToString(body.data)
		out.Base64 = true
	}
	return out, nil
}

func (h *httpCap) build(ctx context.Context, in HTTPRequest) (*retryablehttp.Request, error) {
	u, err := url.Parse(in.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", in.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if !h.opts.AllowPrivate && IsPrivateHostname(in.URL) {
		return nil, ErrPrivateAddress
	}

	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !httpguts.ValidHeaderFieldName(method) {
		return nil, fmt.Errorf("invalid method %q", in.Method)
	}

	var body []byte
	if in.Body != "" {
		if method == http.MethodGet || method == http.MethodHead {
			return nil, fmt.Errorf("%s request cannot have a body", method)
		}
		body = []byte(in.Body)
		if in.Base64 {
			if body, err = base64.StdEncoding.DecodeString(in.Body); err != nil {
				return nil, fmt.Errorf("body is not valid base64: %w", err)
			}
		}
	}

	var raw any
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), raw)
	if err != nil {
		return nil, err
	}
	for k, v := range in.Headers {
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, fmt.Errorf("invalid header name %q", k)
		}
		if !httpguts.ValidHeaderFieldValue(v) {
			return nil, fmt.Errorf("invalid value for header %q", k)
		}
		if ForbiddenHeaders[strings.ToLower(k)] {
			continue
		}
		req.Header.Set(k, v)
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "br, gzip, zstd")
	}
	if h.opts.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", h.opts.UserAgent)
	}
	return req, nil
}

type responseBody struct {
	data    []byte
	decoded bool
}

func (h *httpCap) readBody(resp *http.Response) (responseBody, error) {
	var (
		r       io.Reader = resp.Body
		decoded bool
	)
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		r, decoded = brotli.NewReader(resp.Body), true
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return responseBody{}, fmt.Errorf("decoding gzip response: %w", err)
		}
		defer gz.Close()
		r, decoded = gz, true
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return responseBody{}, fmt.Errorf("decoding zstd response: %w", err)
		}
		defer zr.Close()
		r, decoded = zr, true
	}

	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(r, h.opts.MaxResponseBytes+1))
	if err != nil {
		return responseBody{}, fmt.Errorf("reading response: %w", err)
	}
	if n > h.opts.MaxResponseBytes {
		return responseBody{}, fmt.Errorf("response body exceeds %d bytes", h.opts.MaxResponseBytes)
	}
	return responseBody{data: buf.Bytes(), decoded: decoded}, nil
}

// IsPrivateHostname reports whether rawURL targets localhost or a literal
// private IP. Names that resolve to private addresses are caught at dial time.
func IsPrivateHostname(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	hostname := u.Hostname()
	if hostname == "" {
		return true
	}
	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return IsPrivateIP(ip)
	}
	return false
}

// publicDialContext resolves addr and connects to the first public address,
// so a name cannot be rebound to a private one between check and connect.
func publicDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed for %s: %w", host, err)
	}
	for _, ip := range ips {
		if IsPrivateIP(ip.IP) {
			continue
		}
		dialer := &net.Dialer{Timeout: 10 * time.Second}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
	}
	return nil, ErrPrivateAddress
}

var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8",
		"169.254.0.0/16", "172.16.0.0/12", "192.0.0.0/24", "192.0.2.0/24",
		"192.168.0.0/16", "198.18.0.0/15", "198.51.100.0/24", "203.0.113.0/24",
		"240.0.0.0/4",
		"::/128", "::1/128", "fc00::/7", "fe80::/10",
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR: " + cidr)
		}
		privateRanges = append(privateRanges, n)
	}
}

// IsPrivateIP reports whether ip is in a private, loopback, link-local or
// reserved range. IPv4-mapped IPv6 addresses are checked as IPv4.
func IsPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
