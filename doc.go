// Package flaresolverr routes HTTP requests through a FlareSolverr
// instance, transparently getting past anti-bot challenges (Cloudflare,
// DDoS-Guard) that block direct access.
//
// # Features
//
//   - RPC client for the FlareSolverr JSON API (request forwarding and
//     session lifecycle)
//   - Session wrapper that behaves like an *http.Client and reuses one
//     solver session across requests
//   - Fallback http.RoundTripper that tries requests directly and only
//     consults the solver when a challenge page is detected
//   - Challenge-page detection heuristics matching upstream FlareSolverr
//
// # Usage
//
//	client, _ := flaresolverr.NewClient("http://localhost:8191/v1")
//	env, err := client.Get(ctx, "https://protected.example.com", nil)
//
// Or as a session:
//
//	s, _ := flaresolverr.NewSession(flaresolverr.WithEndpoint("http://localhost:8191/v1"))
//	defer s.Close()
//	resp, err := s.Get(ctx, "https://protected.example.com")
//
// # Limitations
//
// FlareSolverr can only represent GET requests and form-encoded POST
// requests; anything else is rejected locally. The solver may omit the
// status code and headers for some sites, in which case the reconstructed
// response defaults to 200 with empty headers.
package flaresolverr
