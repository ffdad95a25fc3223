package flaresolverr

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SolverMetadata is the solver's bookkeeping for a forwarded request.
type SolverMetadata struct {
	Status    string
	Message   string
	UserAgent string
	Version   string
	Start     time.Time
	End       time.Time
}

// Duration is the time the solver spent on the request.
func (m SolverMetadata) Duration() time.Duration {
	return m.End.Sub(m.Start)
}

// Response is a regular *http.Response reconstructed from a solver
// solution, with the solver metadata attached.
type Response struct {
	*http.Response
	Solver SolverMetadata
}

// newResponse maps a solver envelope back onto an *http.Response. The
// solver sometimes omits status and headers entirely; those default to 200
// and empty. Cookies are replayed as Set-Cookie headers so the standard
// (*http.Response).Cookies accessor works.
func newResponse(env *Envelope, req *http.Request) *Response {
	sol := env.Solution
	if sol == nil {
		sol = &Solution{}
	}

	status := sol.Status
	if status == 0 {
		status = http.StatusOK
	}

	header := make(http.Header, len(sol.Headers)+len(sol.Cookies))
	for k, v := range sol.Headers {
		header.Set(k, v)
	}
	for _, ck := range sol.Cookies {
		if v := ck.HTTP().String(); v != "" {
			header.Add("Set-Cookie", v)
		}
	}

	body := []byte(sol.Response)
	hr := &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(sol.Response)),
		ContentLength: int64(len(body)),
		Request:       req,
	}

	return &Response{
		Response: hr,
		Solver: SolverMetadata{
			Status:    env.Status,
			Message:   env.Message,
			UserAgent: sol.UserAgent,
			Version:   env.Version,
			Start:     time.UnixMilli(env.StartTimestamp),
			End:       time.UnixMilli(env.EndTimestamp),
		},
	}
}

// Session routes requests through a FlareSolverr browser session. It is a
// drop-in stand-in for an *http.Client against challenge-protected sites:
// callers hand it ordinary *http.Request values and get responses back.
//
// The remote session is created lazily on first use and reused for every
// subsequent request, so the challenge is solved at most once per session.
type Session struct {
	rpc     *Client
	id      string
	proxy   *Proxy
	timeout int
	created bool
	log     zerolog.Logger
}

type sessionSettings struct {
	client   *Client
	endpoint string
	id       string
	proxy    *Proxy
	timeout  int
	log      zerolog.Logger
}

// SessionOption configures a Session.
type SessionOption func(*sessionSettings)

// WithRPC uses a pre-configured RPC client. WithEndpoint is ignored when
// this option is given.
func WithRPC(c *Client) SessionOption {
	return func(s *sessionSettings) { s.client = c }
}

// WithEndpoint sets the solver endpoint for the session's own RPC client.
func WithEndpoint(endpoint string) SessionOption {
	return func(s *sessionSettings) { s.endpoint = endpoint }
}

// WithSessionID reuses a fixed solver session id instead of a generated one.
func WithSessionID(id string) SessionOption {
	return func(s *sessionSettings) { s.id = id }
}

// WithProxy binds the solver session to a proxy.
func WithProxy(proxy *Proxy) SessionOption {
	return func(s *sessionSettings) { s.proxy = proxy }
}

// WithMaxTimeout sets the solver maxTimeout in milliseconds.
func WithMaxTimeout(ms int) SessionOption {
	return func(s *sessionSettings) { s.timeout = ms }
}

// WithSessionLogger attaches a structured logger.
func WithSessionLogger(log zerolog.Logger) SessionOption {
	return func(s *sessionSettings) { s.log = log }
}

// NewSession creates a session wrapper. No remote call is made until the
// first request.
func NewSession(opts ...SessionOption) (*Session, error) {
	settings := sessionSettings{
		timeout: DefaultMaxTimeout,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&settings)
	}

	rpc := settings.client
	if rpc == nil {
		var err error
		rpc, err = NewClient(settings.endpoint, WithLogger(settings.log))
		if err != nil {
			return nil, err
		}
	}

	return &Session{
		rpc:     rpc,
		id:      settings.id,
		proxy:   settings.proxy,
		timeout: settings.timeout,
		log:     settings.log,
	}, nil
}

// SessionID returns the solver session id, creating the remote session
// first if needed.
func (s *Session) SessionID(ctx context.Context) (string, error) {
	if err := s.ensureSession(ctx); err != nil {
		return "", err
	}
	return s.id, nil
}

func (s *Session) ensureSession(ctx context.Context) error {
	if s.created {
		return nil
	}
	if s.id == "" {
		s.id = "flaresolverr-" + uuid.NewString()
	}
	env, err := s.rpc.CreateSession(ctx, s.id, s.proxy)
	if err != nil {
		return err
	}
	if env.Session != "" {
		s.id = env.Session
	}
	s.created = true
	s.log.Debug().Str("session", s.id).Msg("solver session created")
	return nil
}

// Get sends a GET request through the solver session.
func (s *Session) Get(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return s.Do(req)
}

// PostForm sends a form-encoded POST request through the solver session.
func (s *Session) PostForm(ctx context.Context, rawURL string, data url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.Do(req)
}

// Do forwards a request through the solver. Only GET, and POST with an
// x-www-form-urlencoded body, can be represented in the solver API; other
// requests fail with *UnsupportedMethodError before any remote call.
func (s *Session) Do(req *http.Request) (*Response, error) {
	method := strings.ToUpper(req.Method)

	var form url.Values
	switch method {
	case http.MethodGet:
	case http.MethodPost:
		var err error
		form, err = formBody(req)
		if err != nil {
			return nil, err
		}
	default:
		return nil, &UnsupportedMethodError{Method: method}
	}

	ctx := req.Context()
	if err := s.ensureSession(ctx); err != nil {
		return nil, err
	}

	opts := &RequestOptions{Session: s.id, MaxTimeout: s.timeout}

	var env *Envelope
	var err error
	if method == http.MethodGet {
		env, err = s.rpc.Get(ctx, req.URL.String(), opts)
	} else {
		env, err = s.rpc.Post(ctx, req.URL.String(), form, opts)
	}
	if err != nil {
		return nil, err
	}
	return newResponse(env, req), nil
}

// formBody validates the content type of a POST request and decodes its
// body as form data.
func formBody(req *http.Request) (url.Values, error) {
	ct := req.Header.Get("Content-Type")
	if ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "application/x-www-form-urlencoded" {
			return nil, &UnsupportedMethodError{Method: http.MethodPost, ContentType: ct}
		}
	}
	if req.Body == nil {
		return nil, nil
	}
	defer func() { _ = req.Body.Close() }()

	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, &UnsupportedMethodError{Method: http.MethodPost, ContentType: ct}
	}
	return form, nil
}

// Close destroys the remote session if this wrapper created it. Cleanup is
// bounded so a hung solver cannot block teardown forever.
func (s *Session) Close() error {
	if !s.created || s.id == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.rpc.DestroySession(ctx, s.id)
	s.created = false
	if err != nil {
		s.log.Warn().Str("session", s.id).Err(err).Msg("failed to destroy solver session")
		return err
	}
	s.log.Debug().Str("session", s.id).Msg("solver session destroyed")
	return nil
}
