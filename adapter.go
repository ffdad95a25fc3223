package flaresolverr

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// clearanceCookie is the Cloudflare cookie that proves a solved challenge.
const clearanceCookie = "cf_clearance"

// clearance is the per-host result of a solved challenge.
type clearance struct {
	cookies   []*http.Cookie
	userAgent string
}

// RoundTripper is an http.RoundTripper that falls back to FlareSolverr when
// a direct request hits an anti-bot challenge. Non-challenged traffic passes
// through the base transport untouched.
//
// On a detected challenge it forwards the blocked URL (or a configured
// challenge URL) to the solver, caches the clearance cookie and solved
// User-Agent for the host, and replays the original request once. The
// replay needs a rewindable body, so a request with a body but no
// GetBody fails only if it actually hits a challenge. A challenge on
// the replay is surfaced as a *ChallengeError.
//
// Bodies of potentially challenged (403/503) responses are buffered for
// inspection, capped at 32 MiB; anything past the cap is dropped.
type RoundTripper struct {
	rpc          *Client
	base         http.RoundTripper
	challengeURL string
	prefixes     []string
	log          zerolog.Logger

	mu         sync.RWMutex
	clearances map[string]clearance
}

// RoundTripperOption configures a RoundTripper.
type RoundTripperOption func(*RoundTripper)

// WithBase sets the transport used for direct requests. Defaults to
// http.DefaultTransport.
func WithBase(base http.RoundTripper) RoundTripperOption {
	return func(rt *RoundTripper) { rt.base = base }
}

// WithChallengeURL overrides the URL sent to the solver when a challenge is
// detected. A path-only value ("/") is resolved against the blocked URL's
// origin; by default the blocked URL itself is sent.
func WithChallengeURL(u string) RoundTripperOption {
	return func(rt *RoundTripper) { rt.challengeURL = u }
}

// WithPrefixes limits solver fallback to URLs matching one of the given
// prefixes. Requests outside every prefix go straight to the base
// transport. An empty list matches everything.
func WithPrefixes(prefixes ...string) RoundTripperOption {
	return func(rt *RoundTripper) { rt.prefixes = prefixes }
}

// WithTransportLogger attaches a structured logger.
func WithTransportLogger(log zerolog.Logger) RoundTripperOption {
	return func(rt *RoundTripper) { rt.log = log }
}

// NewRoundTripper creates a fallback round-tripper backed by the given RPC
// client.
func NewRoundTripper(rpc *Client, opts ...RoundTripperOption) *RoundTripper {
	rt := &RoundTripper{
		rpc:        rpc,
		base:       http.DefaultTransport,
		log:        zerolog.Nop(),
		clearances: make(map[string]clearance),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Mount wraps an existing *http.Client's transport with solver fallback and
// returns the installed RoundTripper.
func Mount(c *http.Client, rpc *Client, opts ...RoundTripperOption) *RoundTripper {
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	rt := NewRoundTripper(rpc, append([]RoundTripperOption{WithBase(base)}, opts...)...)
	c.Transport = rt
	return rt
}

// RoundTrip implements http.RoundTripper.
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if !rt.handles(req.URL) {
		return rt.base.RoundTrip(req)
	}

	resp, err := rt.attempt(req, false)
	if err != nil {
		return nil, err
	}
	challenged, resp, err := rt.inspect(resp)
	if err != nil {
		return nil, err
	}
	if !challenged {
		return resp, nil
	}
	_ = resp.Body.Close()

	if err := rt.solve(req); err != nil {
		return nil, err
	}

	// One replay with the fresh clearance; a second challenge means the
	// clearance did not take and retrying further would loop.
	resp, err = rt.attempt(req, true)
	if err != nil {
		return nil, err
	}
	challenged, resp, err = rt.inspect(resp)
	if err != nil {
		return nil, err
	}
	if challenged {
		_ = resp.Body.Close()
		return nil, &ChallengeError{
			Message: fmt.Sprintf("challenge persisted after solving %s", req.URL.Hostname()),
		}
	}
	return resp, nil
}

// attempt sends a clone of the request through the base transport, with
// any cached clearance for the host applied. The first attempt keeps the
// original body; a replay rewinds it through GetBody, which is the only
// point where a non-rewindable body is an error.
func (rt *RoundTripper) attempt(req *http.Request, replay bool) (*http.Response, error) {
	out := req.Clone(req.Context())
	if replay && req.Body != nil {
		if req.GetBody == nil {
			return nil, fmt.Errorf("cannot replay after challenge: request body is not rewindable")
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		out.Body = body
	}

	host := req.URL.Hostname()
	rt.mu.RLock()
	cl, ok := rt.clearances[host]
	rt.mu.RUnlock()
	if ok {
		rt.apply(out, cl)
	}
	return rt.base.RoundTrip(out)
}

// apply merges the cached clearance cookies into the request's Cookie
// header and pins the solved User-Agent.
func (rt *RoundTripper) apply(req *http.Request, cl clearance) {
	if cl.userAgent != "" {
		req.Header.Set("User-Agent", cl.userAgent)
	}

	path := req.URL.Path
	if path == "" {
		path = "/"
	}

	merged := parseCookieHeader(req.Header.Get("Cookie"))
	for _, ck := range cl.cookies {
		if ck.Path != "" && !strings.HasPrefix(path, ck.Path) {
			continue
		}
		merged = setCookie(merged, ck.Name, ck.Value)
	}

	if len(merged) == 0 {
		return
	}
	pairs := make([]string, 0, len(merged))
	for _, ck := range merged {
		pairs = append(pairs, ck.Name+"="+ck.Value)
	}
	req.Header.Set("Cookie", strings.Join(pairs, "; "))
}

// inspect buffers the body of a potentially challenged response so it can
// be both examined and returned to the caller. Responses whose status can
// never be a challenge are passed through unread.
func (rt *RoundTripper) inspect(resp *http.Response) (bool, *http.Response, error) {
	if !isChallengeStatus(resp.StatusCode) {
		return false, resp, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeSize))
	closeErr := resp.Body.Close()
	if err != nil {
		return false, nil, fmt.Errorf("read response body: %w", err)
	}
	if closeErr != nil {
		return false, nil, closeErr
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return IsChallenge(resp.StatusCode, body), resp, nil
}

// solve forwards the challenge to the solver and caches the resulting
// clearance for the blocked host.
func (rt *RoundTripper) solve(req *http.Request) error {
	target := rt.challengeTarget(req.URL)
	rt.log.Info().Str("url", target).Msg("challenge detected, forwarding to solver")

	env, err := rt.rpc.Get(req.Context(), target, nil)
	if err != nil {
		return err
	}
	sol := env.Solution
	if sol == nil {
		return &ChallengeError{Message: "solver returned no solution"}
	}

	cl := clearance{userAgent: sol.UserAgent}
	for _, ck := range sol.Cookies {
		if ck.Name == clearanceCookie {
			cl.cookies = append(cl.cookies, ck.HTTP())
			break
		}
	}

	host := req.URL.Hostname()
	rt.mu.Lock()
	rt.clearances[host] = cl
	rt.mu.Unlock()

	rt.log.Debug().Str("host", host).Bool("clearance", len(cl.cookies) > 0).Msg("cached solver clearance")
	return nil
}

// challengeTarget resolves the URL to hand to the solver for a blocked
// request.
func (rt *RoundTripper) challengeTarget(blocked *url.URL) string {
	if rt.challengeURL == "" {
		return blocked.String()
	}
	if strings.HasPrefix(rt.challengeURL, "/") {
		u := url.URL{Scheme: blocked.Scheme, Host: blocked.Host, Path: rt.challengeURL}
		return u.String()
	}
	return rt.challengeURL
}

func (rt *RoundTripper) handles(u *url.URL) bool {
	if len(rt.prefixes) == 0 {
		return true
	}
	s := u.String()
	for _, prefix := range rt.prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// parseCookieHeader splits a Cookie header into individual cookies.
func parseCookieHeader(header string) []*http.Cookie {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ";")
	out := make([]*http.Cookie, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		name := strings.TrimSpace(kv[0])
		if name == "" {
			continue
		}
		out = append(out, &http.Cookie{Name: name, Value: strings.TrimSpace(kv[1])})
	}
	return out
}

// setCookie replaces a cookie by name, or appends it.
func setCookie(cookies []*http.Cookie, name, value string) []*http.Cookie {
	for _, ck := range cookies {
		if ck.Name == name {
			ck.Value = value
			return cookies
		}
	}
	return append(cookies, &http.Cookie{Name: name, Value: value})
}
