// Package safehttp posts JSON to user-supplied URLs without letting them
// reach internal addresses. Hosts are resolved once, non-public addresses are
// dropped, and the connection is pinned to the addresses that were checked.
package safehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrSchemeNotAllowed = errors.New("safehttp: scheme not allowed")
	ErrHostNotAllowed   = errors.New("safehttp: host not allowed")
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultDialTimeout = 10 * time.Second
)

// Resolver looks up the addresses of a host name. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Allowlist marks endpoints the operator trusts unconditionally.
type Allowlist interface {
	IsEndpointAllowedByOperator(u *url.URL) bool
}

type Options struct {
	Resolver  Resolver
	Allowlist Allowlist
	Timeout   time.Duration
	Logger    zerolog.Logger
}

type Client struct {
	resolver  Resolver
	allowlist Allowlist
	timeout   time.Duration
	logger    zerolog.Logger

	// allowAddr decides which resolved addresses survive.
	allowAddr func(netip.Addr) bool
	dialer    *net.Dialer
}

func New(opts Options) *Client {
	c := &Client{
		resolver:  opts.Resolver,
		allowlist: opts.Allowlist,
		timeout:   opts.Timeout,
		logger:    opts.Logger.With().Str("component", "safehttp").Logger(),
		allowAddr: IsGlobal,
		dialer:    &net.Dialer{Timeout: DefaultDialTimeout, KeepAlive: 30 * time.Second},
	}
	if c.resolver == nil {
		c.resolver = net.DefaultResolver
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	return c
}

// Resolve returns the addresses of target's host that may be contacted.
// It fails with ErrHostNotAllowed when none survive.
func (c *Client) Resolve(ctx context.Context, target *url.URL) ([]netip.Addr, error) {
	if _, err := port(target); err != nil {
		return nil, err
	}
	host := target.Hostname()
	if host == "" {
		return nil, ErrHostNotAllowed
	}

	var candidates []netip.Addr
	if literal, err := netip.ParseAddr(host); err == nil {
		candidates = []netip.Addr{literal}
	} else {
		resolved, err := c.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve %s: %v", ErrHostNotAllowed, host, err)
		}
		candidates = resolved
	}

	allowed := filter(candidates, c.allowAddr)
	if len(allowed) == 0 {
		return nil, fmt.Errorf("%w: no public address for %s", ErrHostNotAllowed, host)
	}
	return allowed, nil
}

// Post sends body as JSON to target. Unless the operator allow-list matches
// target, the request is only sent to addresses returned by Resolve.
// Redirects are never followed. The caller closes the response body.
func (c *Client) Post(ctx context.Context, target *url.URL, body any, header http.Header) (*http.Response, error) {
	p, err := port(target)
	if err != nil {
		return nil, err
	}

	var client *http.Client
	if c.allowlist != nil && c.allowlist.IsEndpointAllowedByOperator(target) {
		client = c.httpClient(c.dialer.DialContext)
	} else {
		addrs, err := c.Resolve(ctx, target)
		if err != nil {
			c.logger.Info().Str("host", target.Hostname()).Err(err).
				Msg("Ignoring request: no allowed address. Add the endpoint to allowed_endpoints if it is trusted.")
			return nil, err
		}
		client = c.httpClient(c.pinnedDial(addrs, p))
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("safehttp: marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("safehttp: build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	return client.Do(req)
}

func (c *Client) httpClient(dial func(ctx context.Context, network, addr string) (net.Conn, error)) *http.Client {
	return &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			// No proxy: a proxy would resolve the host again on its own.
			Proxy:               nil,
			DialContext:         dial,
			ForceAttemptHTTP2:   true,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   true,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// pinnedDial ignores the address the transport asks for and dials the
// checked addresses in order, so DNS is never consulted again.
func (c *Client) pinnedDial(addrs []netip.Addr, p uint16) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, _ string) (net.Conn, error) {
		var errs []error
		for _, a := range addrs {
			conn, err := c.dialer.DialContext(ctx, network, netip.AddrPortFrom(a, p).String())
			if err == nil {
				return conn, nil
			}
			errs = append(errs, err)
		}
		return nil, errors.Join(errs...)
	}
}

func port(u *url.URL) (uint16, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return 0, fmt.Errorf("%w: %q", ErrSchemeNotAllowed, u.Scheme)
	}
	if raw := u.Port(); raw != "" {
		p, err := strconv.ParseUint(raw, 10, 16)
		if err != nil || p == 0 {
			return 0, fmt.Errorf("%w: invalid port %q", ErrHostNotAllowed, raw)
		}
		return uint16(p), nil
	}
	if scheme == "https" {
		return 443, nil
	}
	return 80, nil
}
