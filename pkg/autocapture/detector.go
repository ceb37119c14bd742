// Package autocapture picks out one specific request, keeps its body aside and
// forwards a synthesized copy of it to the notarization subsystem.
//
// The body-storing and header-triggered paths both consult the same Detector,
// so they always agree on which requests qualify.
package autocapture

import (
	"errors"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/psantana5/reqcorr/pkg/models"
)

const (
	DefaultMethod       = "GET"
	DefaultResourceType = "xmlhttprequest"
	DefaultURLPattern   = "://api.twitter.com/1.1/account/settings.json"
)

// ErrCaptureBodyDecode is returned when a raw body cannot be percent-decoded
var ErrCaptureBodyDecode = errors.New("capture body is not a valid percent-encoded string")

// Detector decides whether a request qualifies for auto-capture
type Detector struct {
	Method       string
	ResourceType string
	URLPattern   string
}

// DefaultDetector matches GET XHRs to the account settings endpoint
func DefaultDetector() *Detector {
	return &Detector{
		Method:       DefaultMethod,
		ResourceType: DefaultResourceType,
		URLPattern:   DefaultURLPattern,
	}
}

// Match reports whether a request with these attributes should be captured
func (d *Detector) Match(method, resourceType, rawURL string) bool {
	if d == nil || d.URLPattern == "" {
		return false
	}
	return method == d.Method &&
		resourceType == d.ResourceType &&
		strings.Contains(rawURL, d.URLPattern)
}

// MatchSendHeaders applies Match to a header-phase event
func (d *Detector) MatchSendHeaders(ev models.SendHeadersEvent) bool {
	return d.Match(ev.Method, ev.ResourceType, ev.URL)
}

// MatchBeforeRequest applies Match to a body-phase event
func (d *Detector) MatchBeforeRequest(ev models.BeforeRequestEvent) bool {
	return d.Match(ev.Method, ev.ResourceType, ev.URL)
}

// DecodeCaptureBody maps every raw byte to the character with the same code
// point, then percent-decodes the result. Escapes must form valid UTF-8.
func DecodeCaptureBody(raw []byte) (string, error) {
	chars, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return "", err
	}

	body, err := url.PathUnescape(string(chars))
	if err != nil {
		return "", errors.Join(ErrCaptureBodyDecode, err)
	}
	if !utf8.ValidString(body) {
		return "", ErrCaptureBodyDecode
	}
	return body, nil
}

// hostname extracts the host part of rawURL, or "" if it cannot be parsed
func hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
