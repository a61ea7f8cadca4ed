package plaud

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	primaryDashboardHost   = "app." + RootDomain
	secondaryDashboardHost = "web." + RootDomain

	DashboardURL = "https://" + primaryDashboardHost + "/"

	dashboardHostPrefix = "app"
)

// IsSupportedDashboardURL reports whether candidate points at a Plaud
// dashboard the scanner understands. Regional app hosts (app-*.plaud.ai)
// are accepted alongside the two canonical ones.
func IsSupportedDashboardURL(candidate string) bool {
	if candidate == "" {
		return false
	}

	parsed, err := url.Parse(candidate)
	if nil != err || parsed.Scheme != "https" || parsed.Hostname() == "" {
		return false
	}

	hostname := strings.ToLower(parsed.Hostname())
	if hostname == primaryDashboardHost || hostname == secondaryDashboardHost {
		return true
	}

	return strings.HasSuffix(hostname, "."+RootDomain) &&
		strings.HasPrefix(hostname, dashboardHostPrefix+"-")
}

// APIHeaders builds the fixed platform-identification headers plus the
// bearer header. A token already carrying a "Bearer " prefix is not
// double-prefixed.
func APIHeaders(token string) http.Header {
	bare := token
	if len(bare) >= 7 && strings.EqualFold(bare[:7], "bearer ") {
		bare = strings.TrimSpace(bare[7:])
	}

	return http.Header{
		"Accept":        {"application/json, text/plain, */*"},
		"App-Platform":  {"web"},
		"Authorization": {"Bearer " + bare},
		"Edit-From":     {"web"},
		"Origin":        {strings.TrimSuffix(DashboardURL, "/")},
		"Referer":       {DashboardURL},
	}
}
