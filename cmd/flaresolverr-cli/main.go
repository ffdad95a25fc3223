package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/Xavier-Lam/FlareSolverrSession"
)

// Command names.
const (
	cmdRequest = "request"
	cmdSession = "session"
	cmdHelp    = "help"
)

// truncateBodyAt caps the response body shown in the printed envelope.
const truncateBodyAt = 200

func main() {
	_ = godotenv.Load()
	log := newLogger(os.Getenv("DEBUG") != "")
	if err := run(context.Background(), log, os.Args[1:], os.Stdout); err != nil {
		log.err(err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		printUsage(stdout)
		return nil
	}

	switch args[0] {
	case cmdHelp, "-h", "--help":
		printUsage(stdout)
		return nil
	case cmdSession:
		return runSession(ctx, log, args[1:], stdout)
	case cmdRequest:
		return runRequest(ctx, log, args[1:], stdout)
	default:
		// request is the default command; the URL comes first.
		return runRequest(ctx, log, args, stdout)
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "flaresolverr-cli: interact with a FlareSolverr instance")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Usage:")
	_, _ = fmt.Fprintln(w, "  flaresolverr-cli [request] URL [options]")
	_, _ = fmt.Fprintln(w, "  flaresolverr-cli session create NAME... [--proxy URL]")
	_, _ = fmt.Fprintln(w, "  flaresolverr-cli session list|destroy ID|clear")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Request options:")
	_, _ = fmt.Fprintln(w, "  -f, --flaresolverr URL      FlareSolverr endpoint (default: FLARESOLVERR_URL")
	_, _ = fmt.Fprintln(w, "                              env var or http://localhost:8191/v1)")
	_, _ = fmt.Fprintln(w, "  -c, --config PATH           Optional JSON config file")
	_, _ = fmt.Fprintln(w, "  -s, --session-id ID         Use an existing solver session")
	_, _ = fmt.Fprintln(w, "  -m, --method GET|POST       HTTP method (default: GET, or POST when -d is given)")
	_, _ = fmt.Fprintln(w, "  -d, --data DATA             POST data (x-www-form-urlencoded)")
	_, _ = fmt.Fprintln(w, "  -o, --output PATH           Write the response body to a file")
	_, _ = fmt.Fprintln(w, "  -t, --timeout MS            Solver maxTimeout in milliseconds (default: 60000)")
	_, _ = fmt.Fprintln(w, "      --proxy URL             Proxy URL (e.g. http://proxy:8080)")
	_, _ = fmt.Fprintln(w, "      --session-ttl-minutes N Rotate solver sessions older than N minutes")
	_, _ = fmt.Fprintln(w, "      --cookies               Return only cookies, no body or headers")
	_, _ = fmt.Fprintln(w, "      --screenshot PATH       Write a PNG screenshot of the final page")
	_, _ = fmt.Fprintln(w, "      --wait SECONDS          Extra wait after the challenge is solved")
	_, _ = fmt.Fprintln(w, "      --disable-media         Skip loading images, CSS and fonts")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Environment:")
	_, _ = fmt.Fprintln(w, "  FLARESOLVERR_URL  Default endpoint")
	_, _ = fmt.Fprintln(w, "  NO_COLOR          Disable colored output")
	_, _ = fmt.Fprintln(w, "  DEBUG             Enable debug logging")
}

func runRequest(ctx context.Context, log *logger, args []string, stdout io.Writer) error {
	positional, rest := splitArgs(args)

	fs := flag.NewFlagSet(cmdRequest, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		endpoint     string
		configPath   string
		sessionID    string
		method       string
		data         string
		outputPath   string
		timeoutMS    int
		proxyURL     string
		sessionTTL   int
		cookiesOnly  bool
		screenshot   string
		waitSeconds  int
		disableMedia bool
	)
	fs.StringVar(&endpoint, "f", "", "FlareSolverr endpoint")
	fs.StringVar(&endpoint, "flaresolverr", "", "FlareSolverr endpoint")
	fs.StringVar(&configPath, "c", "", "config path")
	fs.StringVar(&configPath, "config", "", "config path")
	fs.StringVar(&sessionID, "s", "", "solver session id")
	fs.StringVar(&sessionID, "session-id", "", "solver session id")
	fs.StringVar(&method, "m", "", "HTTP method")
	fs.StringVar(&method, "method", "", "HTTP method")
	fs.StringVar(&data, "d", "", "POST data")
	fs.StringVar(&data, "data", "", "POST data")
	fs.StringVar(&outputPath, "o", "", "output file")
	fs.StringVar(&outputPath, "output", "", "output file")
	fs.IntVar(&timeoutMS, "t", 0, "solver maxTimeout in ms")
	fs.IntVar(&timeoutMS, "timeout", 0, "solver maxTimeout in ms")
	fs.StringVar(&proxyURL, "proxy", "", "proxy URL")
	fs.IntVar(&sessionTTL, "session-ttl-minutes", 0, "session TTL in minutes")
	fs.BoolVar(&cookiesOnly, "cookies", false, "return only cookies")
	fs.StringVar(&screenshot, "screenshot", "", "screenshot file")
	fs.IntVar(&waitSeconds, "wait", 0, "extra wait in seconds")
	fs.BoolVar(&disableMedia, "disable-media", false, "disable media loading")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	positional = append(positional, fs.Args()...)

	if len(positional) != 1 {
		return fmt.Errorf("exactly one URL is required, got %d", len(positional))
	}
	rawURL := positional[0]

	if method == "" {
		method = http.MethodGet
		if data != "" {
			method = http.MethodPost
		}
	}
	method = strings.ToUpper(method)
	if method != http.MethodGet && method != http.MethodPost {
		return fmt.Errorf("unsupported method %q: only GET and POST are supported", method)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	client, err := newSolverClient(log, endpoint, cfg.Endpoint)
	if err != nil {
		return err
	}
	if timeoutMS == 0 {
		timeoutMS = cfg.TimeoutMS
	}
	if proxyURL == "" {
		proxyURL = cfg.Proxy
	}

	opts := &flaresolverr.RequestOptions{
		Session:           sessionID,
		MaxTimeout:        timeoutMS,
		SessionTTLMinutes: sessionTTL,
		ReturnOnlyCookies: cookiesOnly,
		ReturnScreenshot:  screenshot != "",
		WaitInSeconds:     waitSeconds,
		DisableMedia:      disableMedia,
	}
	if proxyURL != "" {
		opts.Proxy = &flaresolverr.Proxy{URL: proxyURL}
	}

	log.infof("%s %s via %s", method, rawURL, client.Endpoint())

	var env *flaresolverr.Envelope
	if method == http.MethodPost {
		form, perr := url.ParseQuery(data)
		if perr != nil {
			return fmt.Errorf("invalid POST data: %w", perr)
		}
		env, err = client.Post(ctx, rawURL, form, opts)
	} else {
		env, err = client.Get(ctx, rawURL, opts)
	}
	if err != nil {
		return reportSolverError(err)
	}

	if outputPath != "" {
		if env.Solution == nil {
			log.warnf("solver returned no solution; %s not written", outputPath)
		} else {
			if werr := os.WriteFile(outputPath, []byte(env.Solution.Response), 0o644); werr != nil {
				return fmt.Errorf("write output: %w", werr)
			}
			log.infof("response body written to %s", outputPath)
		}
	}
	if screenshot != "" {
		if env.Solution == nil {
			log.warnf("solver returned no solution; %s not written", screenshot)
		} else {
			if werr := writeScreenshot(screenshot, env.Solution.Screenshot); werr != nil {
				return werr
			}
			log.infof("screenshot written to %s", screenshot)
		}
	}

	truncateEnvelope(env)
	return printJSON(stdout, env)
}

func runSession(ctx context.Context, log *logger, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New("session action required: create|list|destroy|clear")
	}
	action := args[0]
	positional, rest := splitArgs(args[1:])

	fs := flag.NewFlagSet(cmdSession, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		endpoint   string
		configPath string
		proxyURL   string
	)
	fs.StringVar(&endpoint, "f", "", "FlareSolverr endpoint")
	fs.StringVar(&endpoint, "flaresolverr", "", "FlareSolverr endpoint")
	fs.StringVar(&configPath, "c", "", "config path")
	fs.StringVar(&configPath, "config", "", "config path")
	fs.StringVar(&proxyURL, "proxy", "", "proxy URL")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	positional = append(positional, fs.Args()...)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	client, err := newSolverClient(log, endpoint, cfg.Endpoint)
	if err != nil {
		return err
	}
	if proxyURL == "" {
		proxyURL = cfg.Proxy
	}

	switch action {
	case "create":
		if len(positional) == 0 {
			return errors.New("session create requires at least one name")
		}
		var proxy *flaresolverr.Proxy
		if proxyURL != "" {
			proxy = &flaresolverr.Proxy{URL: proxyURL}
		}
		created := make([]*flaresolverr.Envelope, 0, len(positional))
		for _, name := range positional {
			env, cerr := client.CreateSession(ctx, name, proxy)
			if cerr != nil {
				return reportSolverError(cerr)
			}
			log.infof("session created: %s", env.Session)
			created = append(created, env)
		}
		return printJSON(stdout, created)

	case "list":
		env, lerr := client.ListSessions(ctx)
		if lerr != nil {
			return reportSolverError(lerr)
		}
		return printJSON(stdout, env)

	case "destroy":
		if len(positional) != 1 {
			return errors.New("session destroy requires exactly one session id")
		}
		env, derr := client.DestroySession(ctx, positional[0])
		if derr != nil {
			return reportSolverError(derr)
		}
		log.infof("session destroyed: %s", positional[0])
		return printJSON(stdout, env)

	case "clear":
		destroyed, cerr := client.ClearSessions(ctx)
		if cerr != nil {
			return reportSolverError(cerr)
		}
		log.infof("destroyed %d sessions", len(destroyed))
		return printJSON(stdout, destroyed)

	default:
		return fmt.Errorf("unknown session action: %s", action)
	}
}

// splitArgs separates leading positional arguments from flags so the URL
// (or session names) may be written before or after the options.
func splitArgs(args []string) (positional, flags []string) {
	i := 0
	for i < len(args) && !strings.HasPrefix(args[i], "-") {
		positional = append(positional, args[i])
		i++
	}
	return positional, args[i:]
}

// newSolverClient builds the RPC client. Flag beats config file; the
// library falls back to FLARESOLVERR_URL and the default endpoint.
func newSolverClient(log *logger, flagEndpoint, cfgEndpoint string) (*flaresolverr.Client, error) {
	endpoint := flagEndpoint
	if endpoint == "" {
		endpoint = cfgEndpoint
	}
	return flaresolverr.NewClient(endpoint, flaresolverr.WithLogger(log.z))
}

// reportSolverError prints the raw solver reply to stderr so scripts can
// capture it, then fails the command.
func reportSolverError(err error) error {
	var rerr *flaresolverr.ResponseError
	if errors.As(err, &rerr) && rerr.Envelope != nil {
		_ = printJSON(os.Stderr, rerr.Envelope)
	}
	return err
}

// truncateEnvelope shortens bulky solution fields before printing.
func truncateEnvelope(env *flaresolverr.Envelope) {
	sol := env.Solution
	if sol == nil {
		return
	}
	// Cut on rune boundaries so a multi-byte character is never split.
	if runes := []rune(sol.Response); len(runes) > truncateBodyAt {
		sol.Response = fmt.Sprintf("%s...[%d letters]", string(runes[:truncateBodyAt]), len(runes))
	}
	if sol.Screenshot != "" {
		sol.Screenshot = fmt.Sprintf("[%d bytes of PNG data]", len(sol.Screenshot))
	}
}

func writeScreenshot(path, b64 string) error {
	if b64 == "" {
		return errors.New("solver returned no screenshot")
	}
	png, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("decode screenshot: %w", err)
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
