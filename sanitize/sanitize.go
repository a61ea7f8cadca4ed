// Package sanitize normalizes user-facing names into values the download
// manager accepts on every platform.
package sanitize

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	restrictedRunRe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	whitespaceRunRe = regexp.MustCompile(`\s+`)
	pathSplitRe     = regexp.MustCompile(`[\\/]+`)
	urlExtensionRe  = regexp.MustCompile(`\.([A-Za-z0-9]{2,5})$`)
)

// Filename replaces restricted characters with underscores. Blank input
// yields the fallback.
func Filename(candidate, fallback string) string {
	src := candidate
	if src == "" {
		src = fallback
	}

	sanitized := restrictedRunRe.ReplaceAllString(src, " ")
	sanitized = strings.TrimSpace(sanitized)
	sanitized = whitespaceRunRe.ReplaceAllString(sanitized, "_")

	if sanitized == "" {
		return fallback
	}

	return sanitized
}

// Path sanitizes each segment of a slash- or backslash-separated path and
// drops segments that sanitize to nothing.
func Path(path string) string {
	segments := pathSplitRe.Split(path, -1)
	out := make([]string, 0, len(segments))
	for _, segment := range segments {
		if s := PathSegment(segment); s != "" {
			out = append(out, s)
		}
	}

	return strings.Join(out, "/")
}

func PathSegment(segment string) string {
	sanitized := restrictedRunRe.ReplaceAllString(segment, " ")
	sanitized = strings.TrimSpace(sanitized)

	return whitespaceRunRe.ReplaceAllString(sanitized, "-")
}

// Extension lower-cases an extension candidate and strips a leading dot.
// Returns "" when nothing usable remains.
func Extension(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	return strings.ToLower(strings.TrimPrefix(trimmed, "."))
}

// ExtensionFromURL infers a file extension from a URL's path component.
func ExtensionFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if nil != err {
		return ""
	}

	m := urlExtensionRe.FindStringSubmatch(parsed.Path)
	if m == nil {
		return ""
	}

	return strings.ToLower(m[1])
}
