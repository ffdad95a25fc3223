package flaresolverr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Defaults for endpoint resolution and challenge solving.
const (
	// EnvEndpoint is the environment variable consulted when no endpoint
	// is configured explicitly.
	EnvEndpoint = "FLARESOLVERR_URL"

	// DefaultEndpoint is the FlareSolverr API endpoint used as a last resort.
	DefaultEndpoint = "http://localhost:8191/v1"

	// DefaultMaxTimeout is the maxTimeout (ms) the solver is given to solve
	// a challenge when no other timeout is configured.
	DefaultMaxTimeout = 60000

	// StatusOK is the envelope status reported on success.
	StatusOK = "ok"
)

// maxEnvelopeSize caps how much of a solver reply is read. Replies carry the
// full page body (and optionally a base64 screenshot), so the cap is generous.
const maxEnvelopeSize = 32 * 1024 * 1024

// Proxy is a proxy specification passed to the solver.
type Proxy struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Cookie mirrors the solver's cookie representation.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	Size     int     `json:"size,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	Session  bool    `json:"session,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// HTTP converts the solver cookie into a *http.Cookie.
func (c Cookie) HTTP() *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HttpOnly: c.HTTPOnly,
		Secure:   c.Secure,
	}
	if hc.Path == "" {
		hc.Path = "/"
	}
	if c.Expires > 0 && !c.Session {
		hc.Expires = time.Unix(int64(c.Expires), 0)
	}
	return hc
}

// Solution is the solver's view of the page it reached: final URL, status,
// headers, cookies, body and the User-Agent of the headless browser.
type Solution struct {
	URL            string            `json:"url"`
	Status         int               `json:"status"`
	Headers        map[string]string `json:"headers"`
	Response       string            `json:"response"`
	Cookies        []Cookie          `json:"cookies"`
	UserAgent      string            `json:"userAgent"`
	Screenshot     string            `json:"screenshot,omitempty"`
	TurnstileToken string            `json:"turnstile_token,omitempty"`
}

// Envelope is the solver's reply for every command.
type Envelope struct {
	Status         string    `json:"status"`
	Message        string    `json:"message"`
	Session        string    `json:"session,omitempty"`
	Sessions       []string  `json:"sessions,omitempty"`
	Solution       *Solution `json:"solution,omitempty"`
	Version        string    `json:"version,omitempty"`
	StartTimestamp int64     `json:"startTimestamp,omitempty"`
	EndTimestamp   int64     `json:"endTimestamp,omitempty"`
}

// command is a JSON payload posted to the solver endpoint. Field names are
// fixed by the FlareSolverr API; the inconsistent casing is upstream's.
type command struct {
	Cmd               string   `json:"cmd"`
	URL               string   `json:"url,omitempty"`
	Session           string   `json:"session,omitempty"`
	SessionTTLMinutes int      `json:"session_ttl_minutes,omitempty"`
	MaxTimeout        int      `json:"maxTimeout,omitempty"`
	Proxy             *Proxy   `json:"proxy,omitempty"`
	Cookies           []Cookie `json:"cookies,omitempty"`
	ReturnOnlyCookies bool     `json:"returnOnlyCookies,omitempty"`
	ReturnScreenshot  bool     `json:"returnScreenshot,omitempty"`
	WaitInSeconds     int      `json:"waitInSeconds,omitempty"`
	DisableMedia      bool     `json:"disableMedia,omitempty"`
	TabsTillVerify    int      `json:"tabs_till_verify,omitempty"`
	// PostData must be present (possibly empty) for request.post, hence the
	// pointer rather than omitempty on a plain string.
	PostData *string `json:"postData,omitempty"`
}

// RequestOptions carries the optional parameters of request.get and
// request.post. The zero value is valid.
type RequestOptions struct {
	// Session routes the request through an existing solver session.
	Session string
	// MaxTimeout is the time in ms the solver may spend on the challenge.
	// Zero means DefaultMaxTimeout.
	MaxTimeout int
	// Proxy is ignored by the solver when Session is set; configure the
	// proxy on the session instead.
	Proxy *Proxy
	// Cookies are extra cookies handed to the headless browser.
	Cookies []Cookie
	// SessionTTLMinutes makes the solver rotate sessions older than this.
	SessionTTLMinutes int
	// ReturnOnlyCookies omits body and headers from the solution.
	ReturnOnlyCookies bool
	// ReturnScreenshot includes a base64 PNG of the final page.
	ReturnScreenshot bool
	// WaitInSeconds waits after the challenge is solved before returning.
	WaitInSeconds int
	// DisableMedia skips loading images, CSS and fonts.
	DisableMedia bool
	// TabsTillVerify is the number of Tab presses needed to focus a
	// Turnstile widget. GET only.
	TabsTillVerify int
}

// Client issues commands against a FlareSolverr endpoint.
type Client struct {
	endpoint  string
	userAgent string
	http      *http.Client
	log       zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the transport used for API calls.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithLogger attaches a structured logger. The default discards everything.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithUserAgent sets the User-Agent header on API calls to the solver
// endpoint itself. It has no effect on the headless browser.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a client for the given endpoint. An empty endpoint
// resolves FLARESOLVERR_URL and finally falls back to DefaultEndpoint.
func NewClient(endpoint string, opts ...ClientOption) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv(EnvEndpoint))
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q: scheme and host are required", endpoint)
	}

	c := &Client{
		endpoint: endpoint,
		// The solver holds the connection open while it drives a browser,
		// so the transport timeout must outlast maxTimeout.
		http: &http.Client{Timeout: 3 * time.Minute},
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the resolved solver endpoint.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Get forwards a GET request through the solver.
func (c *Client) Get(ctx context.Context, rawURL string, opts *RequestOptions) (*Envelope, error) {
	cmd := requestCommand("request.get", rawURL, opts)
	if opts != nil {
		cmd.TabsTillVerify = opts.TabsTillVerify
	}
	return c.send(ctx, cmd)
}

// Post forwards a form-encoded POST request through the solver. The solver
// requires postData on every request.post, so nil data is sent as an empty
// form.
func (c *Client) Post(ctx context.Context, rawURL string, data url.Values, opts *RequestOptions) (*Envelope, error) {
	cmd := requestCommand("request.post", rawURL, opts)
	encoded := data.Encode()
	cmd.PostData = &encoded
	return c.send(ctx, cmd)
}

// CreateSession creates a browser session on the solver. An empty id lets
// the solver pick one; the reply carries the effective id.
func (c *Client) CreateSession(ctx context.Context, id string, proxy *Proxy) (*Envelope, error) {
	return c.send(ctx, command{Cmd: "sessions.create", Session: id, Proxy: proxy})
}

// ListSessions lists the active browser sessions on the solver.
func (c *Client) ListSessions(ctx context.Context) (*Envelope, error) {
	return c.send(ctx, command{Cmd: "sessions.list"})
}

// DestroySession destroys a browser session on the solver.
func (c *Client) DestroySession(ctx context.Context, id string) (*Envelope, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("session id is required")
	}
	return c.send(ctx, command{Cmd: "sessions.destroy", Session: id})
}

// ClearSessions destroys every active session. The solver has no native
// clear command, so this is a list followed by one destroy per session.
func (c *Client) ClearSessions(ctx context.Context) ([]*Envelope, error) {
	listed, err := c.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	destroyed := make([]*Envelope, 0, len(listed.Sessions))
	for _, id := range listed.Sessions {
		env, err := c.DestroySession(ctx, id)
		if err != nil {
			return destroyed, err
		}
		destroyed = append(destroyed, env)
	}
	return destroyed, nil
}

func requestCommand(name, rawURL string, opts *RequestOptions) command {
	cmd := command{Cmd: name, URL: rawURL, MaxTimeout: DefaultMaxTimeout}
	if opts == nil {
		return cmd
	}
	if opts.MaxTimeout > 0 {
		cmd.MaxTimeout = opts.MaxTimeout
	}
	cmd.Session = opts.Session
	cmd.Proxy = opts.Proxy
	cmd.Cookies = opts.Cookies
	cmd.SessionTTLMinutes = opts.SessionTTLMinutes
	cmd.ReturnOnlyCookies = opts.ReturnOnlyCookies
	cmd.ReturnScreenshot = opts.ReturnScreenshot
	cmd.WaitInSeconds = opts.WaitInSeconds
	cmd.DisableMedia = opts.DisableMedia
	return cmd
}

// send posts a command payload and decodes the reply envelope. A non-"ok"
// envelope becomes a *ResponseError, upgraded to a *ChallengeError when the
// message indicates a failed or timed-out challenge.
func (c *Client) send(ctx context.Context, cmd command) (*Envelope, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	c.log.Debug().Str("cmd", cmd.Cmd).Str("url", cmd.URL).Str("session", cmd.Session).Msg("sending solver command")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("solver request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeSize))
	if err != nil {
		return nil, fmt.Errorf("read solver response: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse solver response (http %d): %w", resp.StatusCode, err)
	}

	if env.Status != StatusOK {
		c.log.Debug().Str("cmd", cmd.Cmd).Str("status", env.Status).Str("message", env.Message).Msg("solver returned error")
		rerr := &ResponseError{Message: env.Message, Envelope: &env}
		if isChallengeMessage(env.Message) {
			return nil, challengeError(rerr)
		}
		return nil, rerr
	}
	return &env, nil
}
