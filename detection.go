package flaresolverr

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ChallengeStatusCodes are the HTTP status codes Cloudflare returns for
// challenge or access-denied pages. Other statuses are never challenges.
var ChallengeStatusCodes = []int{
	http.StatusForbidden,
	http.StatusServiceUnavailable,
}

// ChallengeTitles are page titles of Cloudflare (or DDoS-Guard) challenge
// pages, matched exactly.
var ChallengeTitles = []string{
	"Just a moment...",
	"DDoS-Guard",
}

// AccessDeniedTitles are titles of Cloudflare access-denied pages, matched
// as prefixes.
var AccessDeniedTitles = []string{
	"Access denied",
	"Attention Required! | Cloudflare",
}

// ChallengeIDs are element ids commonly found on challenge pages.
var ChallengeIDs = []string{
	"cf-challenge-running",
	"cf-please-wait",
	"challenge-spinner",
	"trk_jschal_js",
	"turnstile-wrapper",
	"js_info",
}

// ChallengeClasses are class tokens commonly found on challenge pages.
var ChallengeClasses = []string{
	"ray_id",
	"attack-box",
	"lds-ring",
}

// IsChallenge reports whether a response looks like an anti-bot challenge
// page. The status code is checked first so non-blocked responses are
// rejected without parsing the body.
func IsChallenge(statusCode int, body []byte) bool {
	if !isChallengeStatus(statusCode) {
		return false
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title != "" {
		for _, t := range ChallengeTitles {
			if strings.EqualFold(title, t) {
				return true
			}
		}
		lower := strings.ToLower(title)
		for _, t := range AccessDeniedTitles {
			if strings.HasPrefix(lower, strings.ToLower(t)) {
				return true
			}
		}
	}

	for _, id := range ChallengeIDs {
		if doc.Find("#" + id).Length() > 0 {
			return true
		}
	}
	for _, class := range ChallengeClasses {
		if doc.Find("." + class).Length() > 0 {
			return true
		}
	}
	return false
}

func isChallengeStatus(code int) bool {
	for _, c := range ChallengeStatusCodes {
		if code == c {
			return true
		}
	}
	return false
}
