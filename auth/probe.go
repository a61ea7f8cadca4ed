package auth

import (
	"context"
	"errors"
	"os"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// MessageSource is the tag the page collector stamps on its reply so the
// bridge can tell it apart from unrelated messages.
const MessageSource = "atlas-plaud-auth"

var jwtShapeRe = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*$`)

// LooksLikeJWT reports whether s has the three-segment shape of a JWT.
// The probe scrapes storage heuristically, so shape is the only check we
// can afford.
func LooksLikeJWT(s string) bool {
	return jwtShapeRe.MatchString(strings.TrimSpace(s))
}

// FileProbe reads the reply the companion page collector drops as a JSON
// file: {"source": "atlas-plaud-auth", "token": "..."} with token possibly
// null. An environment variable takes precedence when set. Both sources
// are best-effort; their absence is a normal empty result.
type FileProbe struct {
	// Path of the collector's drop file.
	Path string
	// Env names an environment variable holding a raw token.
	Env string
}

var ErrNoProbeSource = errors.New("auth: probe has neither a drop file path nor an env var configured")

func (p FileProbe) Launch(ctx context.Context, deliver func(token string)) error {
	if p.Path == "" && p.Env == "" {
		return ErrNoProbeSource
	}

	go func() {
		deliver(p.read())
	}()

	return nil
}

func (p FileProbe) read() string {
	if p.Env != "" {
		if token := strings.TrimSpace(os.Getenv(p.Env)); LooksLikeJWT(token) {
			return token
		}
	}

	if p.Path == "" {
		return ""
	}

	data, err := os.ReadFile(p.Path)
	if nil != err {
		return ""
	}

	payload := gjson.ParseBytes(data)
	if payload.Get("source").String() != MessageSource {
		return ""
	}

	token := strings.TrimSpace(payload.Get("token").String())
	if !LooksLikeJWT(token) {
		return ""
	}

	return token
}
