package cdp

import (
	"net/url"
	"sort"

	"github.com/go-rod/rod/lib/proto"

	"github.com/psantana5/reqcorr/pkg/models"
)

var resourceTypes = map[proto.NetworkResourceType]string{
	proto.NetworkResourceTypeDocument:           "main_frame",
	proto.NetworkResourceTypeStylesheet:         "stylesheet",
	proto.NetworkResourceTypeImage:              "image",
	proto.NetworkResourceTypeMedia:              "media",
	proto.NetworkResourceTypeFont:               "font",
	proto.NetworkResourceTypeScript:             "script",
	proto.NetworkResourceTypeXHR:                "xmlhttprequest",
	proto.NetworkResourceTypeFetch:              "xmlhttprequest",
	proto.NetworkResourceTypeWebSocket:          "websocket",
	proto.NetworkResourceTypePing:               "ping",
	proto.NetworkResourceTypeCSPViolationReport: "csp_report",
}

// ResourceType maps a DevTools resource type onto the browser extension
// vocabulary the engine matches against. Unknown types become "other".
func ResourceType(t proto.NetworkResourceType) string {
	if rt, ok := resourceTypes[t]; ok {
		return rt
	}
	return "other"
}

// Headers converts a DevTools header map into an ordered header list
func Headers(h proto.NetworkHeaders) []models.Header {
	if len(h) == 0 {
		return nil
	}
	headers := make([]models.Header, 0, len(h))
	for name, value := range h {
		headers = append(headers, models.Header{Name: name, Value: value.Str()})
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].Name < headers[j].Name })
	return headers
}

// PostBody returns the raw upload chunks of req, or nil if it carries no body.
// Older browsers only report PostData, which becomes a single chunk.
func PostBody(req *proto.NetworkRequest) *models.RequestBody {
	if req == nil {
		return nil
	}
	if len(req.PostDataEntries) > 0 {
		body := &models.RequestBody{Raw: make([]models.UploadData, 0, len(req.PostDataEntries))}
		for _, entry := range req.PostDataEntries {
			body.Raw = append(body.Raw, models.UploadData{Bytes: entry.Bytes})
		}
		return body
	}
	if req.PostData != "" {
		return &models.RequestBody{Raw: []models.UploadData{{Bytes: []byte(req.PostData)}}}
	}
	return nil
}

// Origin returns scheme://host[:port] of rawURL, or nil when it has none
func Origin(rawURL string) *string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil
	}
	origin := u.Scheme + "://" + u.Host
	return &origin
}

// BeforeRequest builds the body-phase event for ev. The second result is
// false when the request carries no body.
func BeforeRequest(channelID string, ev *proto.NetworkRequestWillBeSent) (models.BeforeRequestEvent, bool) {
	body := PostBody(ev.Request)
	if body == nil {
		return models.BeforeRequestEvent{}, false
	}
	return models.BeforeRequestEvent{
		RequestID:    string(ev.RequestID),
		ChannelID:    channelID,
		Method:       ev.Request.Method,
		URL:          ev.Request.URL,
		ResourceType: ResourceType(ev.Type),
		RequestBody:  body,
	}, true
}

// SendHeaders builds the header-phase event for ev
func SendHeaders(channelID string, ev *proto.NetworkRequestWillBeSent) models.SendHeadersEvent {
	return models.SendHeadersEvent{
		RequestID:      string(ev.RequestID),
		ChannelID:      channelID,
		Method:         ev.Request.Method,
		URL:            ev.Request.URL,
		ResourceType:   ResourceType(ev.Type),
		Initiator:      Origin(ev.DocumentURL),
		RequestHeaders: Headers(ev.Request.Headers),
	}
}

// ResponseStarted builds the terminal event for ev. method and initiator
// come from the request that produced the response; they are empty when the
// request was never seen.
func ResponseStarted(channelID string, ev *proto.NetworkResponseReceived, method string, initiator *string) models.ResponseStartedEvent {
	out := models.ResponseStartedEvent{
		RequestID:       string(ev.RequestID),
		ChannelID:       channelID,
		Method:          method,
		ResourceType:    ResourceType(ev.Type),
		Initiator:       initiator,
		ResponseHeaders: []models.Header{},
	}
	if ev.Response != nil {
		out.URL = ev.Response.URL
		out.StatusCode = ev.Response.Status
		if headers := Headers(ev.Response.Headers); headers != nil {
			out.ResponseHeaders = headers
		}
	}
	return out
}
