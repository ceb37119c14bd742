// Package merge folds phase events into a RequestRecord.
//
// Merge is pure. Phases may arrive in any order, so no phase is assumed to
// be the first one to contribute to a record. Fields only ever move towards
// a more complete state.
package merge

import (
	"errors"
	"unicode/utf8"

	"github.com/psantana5/reqcorr/pkg/models"
)

// ErrBodyDecode is returned when raw body bytes are not valid UTF-8
var ErrBodyDecode = errors.New("request body is not valid utf-8")

// Body is the body contribution of the before-request phase.
// Exactly one of Text and FormData is set.
type Body struct {
	Text     *string
	FormData models.FormData
}

// Patch is the set of fields one phase contributes
type Patch struct {
	RequestID    string
	ChannelID    string
	Method       string
	URL          string
	ResourceType string
	Initiator    *string

	// SetRequestHeaders replaces the header list wholesale, even with an empty one
	SetRequestHeaders bool
	RequestHeaders    []models.Header

	Body *Body

	// Terminal marks the response-started phase
	Terminal        bool
	ResponseHeaders []models.Header
	StatusCode      int
}

// Merge applies patch on top of existing, which may be nil
func Merge(existing *models.RequestRecord, patch Patch) models.RequestRecord {
	var out models.RequestRecord
	if existing != nil {
		out = existing.Clone()
	}

	out.RequestID = pick(patch.RequestID, out.RequestID)
	out.ChannelID = pick(patch.ChannelID, out.ChannelID)
	out.Method = pick(patch.Method, out.Method)
	out.URL = pick(patch.URL, out.URL)
	out.ResourceType = pick(patch.ResourceType, out.ResourceType)
	if patch.Initiator != nil {
		v := *patch.Initiator
		out.Initiator = &v
	}

	if out.RequestHeaders == nil {
		out.RequestHeaders = []models.Header{}
	}
	if patch.SetRequestHeaders {
		out.RequestHeaders = nonNil(patch.RequestHeaders)
	}

	// set once, whichever representation arrives first wins
	if patch.Body != nil && !out.HasBody() {
		switch {
		case patch.Body.Text != nil:
			v := *patch.Body.Text
			out.RequestBody = &v
		case patch.Body.FormData != nil:
			out.FormData = patch.Body.FormData.Clone()
		}
	}

	if patch.Terminal {
		out.ResponseHeaders = nonNil(patch.ResponseHeaders)
		if patch.StatusCode != 0 {
			out.StatusCode = patch.StatusCode
		}
	}

	return out
}

// FromSendHeaders builds the header-phase patch
func FromSendHeaders(ev models.SendHeadersEvent) Patch {
	return Patch{
		RequestID:         ev.RequestID,
		ChannelID:         ev.ChannelID,
		Method:            ev.Method,
		URL:               ev.URL,
		ResourceType:      ev.ResourceType,
		Initiator:         ev.Initiator,
		SetRequestHeaders: true,
		RequestHeaders:    ev.RequestHeaders,
	}
}

// FromBeforeRequest builds the body-phase patch. Raw bytes take precedence
// over form data. When the raw bytes cannot be decoded the returned patch
// carries no body and the error is ErrBodyDecode; the patch is still usable.
func FromBeforeRequest(ev models.BeforeRequestEvent) (Patch, error) {
	patch := Patch{
		RequestID:    ev.RequestID,
		ChannelID:    ev.ChannelID,
		Method:       ev.Method,
		URL:          ev.URL,
		ResourceType: ev.ResourceType,
	}

	if ev.RequestBody == nil {
		return patch, nil
	}

	if raw := ev.RequestBody.FirstRawBytes(); raw != nil {
		text, err := DecodeBody(raw)
		if err != nil {
			return patch, err
		}
		patch.Body = &Body{Text: &text}
		return patch, nil
	}

	if ev.RequestBody.FormData != nil {
		patch.Body = &Body{FormData: ev.RequestBody.FormData}
	}
	return patch, nil
}

// FromResponseStarted builds the terminal-phase patch
func FromResponseStarted(ev models.ResponseStartedEvent) Patch {
	return Patch{
		RequestID:       ev.RequestID,
		ChannelID:       ev.ChannelID,
		Method:          ev.Method,
		URL:             ev.URL,
		ResourceType:    ev.ResourceType,
		Initiator:       ev.Initiator,
		Terminal:        true,
		ResponseHeaders: ev.ResponseHeaders,
		StatusCode:      ev.StatusCode,
	}
}

// DecodeBody decodes raw body bytes as UTF-8 text
func DecodeBody(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", ErrBodyDecode
	}
	return string(raw), nil
}

func pick(patch, existing string) string {
	if patch != "" {
		return patch
	}
	return existing
}

func nonNil(h []models.Header) []models.Header {
	if h == nil {
		return []models.Header{}
	}
	return models.CloneHeaders(h)
}
