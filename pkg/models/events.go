package models

import "encoding/json"

// Phase identifies one of the three lifecycle points of a request
type Phase string

const (
	PhaseSendHeaders     Phase = "send_headers"
	PhaseBeforeRequest   Phase = "before_request"
	PhaseResponseStarted Phase = "response_started"
)

// PreflightMethod is the cross-origin negotiation method excluded from correlation
const PreflightMethod = "OPTIONS"

// SendHeadersEvent is delivered when the request headers have been sent
type SendHeadersEvent struct {
	RequestID      string   `json:"requestId"`
	ChannelID      string   `json:"channelId"`
	Method         string   `json:"method"`
	URL            string   `json:"url"`
	ResourceType   string   `json:"type"`
	Initiator      *string  `json:"initiator,omitempty"`
	RequestHeaders []Header `json:"requestHeaders,omitempty"`
}

// UploadData is one chunk of a raw request body.
// Bytes is base64 encoded on the wire.
type UploadData struct {
	Bytes []byte `json:"bytes,omitempty"`
	File  string `json:"file,omitempty"`
}

// RequestBody carries either raw upload chunks or parsed form data
type RequestBody struct {
	Raw      []UploadData `json:"raw,omitempty"`
	FormData FormData     `json:"formData,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// FirstRawBytes returns the bytes of the first raw chunk, or nil
func (b *RequestBody) FirstRawBytes() []byte {
	if b == nil || len(b.Raw) == 0 {
		return nil
	}
	return b.Raw[0].Bytes
}

// BeforeRequestEvent is delivered when the request body is available
type BeforeRequestEvent struct {
	RequestID    string       `json:"requestId"`
	ChannelID    string       `json:"channelId"`
	Method       string       `json:"method"`
	URL          string       `json:"url"`
	ResourceType string       `json:"type"`
	RequestBody  *RequestBody `json:"requestBody,omitempty"`
}

// ResponseStartedEvent is the terminal phase, delivered when the first response byte arrives
type ResponseStartedEvent struct {
	RequestID       string   `json:"requestId"`
	ChannelID       string   `json:"channelId"`
	Method          string   `json:"method"`
	URL             string   `json:"url"`
	ResourceType    string   `json:"type"`
	Initiator       *string  `json:"initiator,omitempty"`
	ResponseHeaders []Header `json:"responseHeaders,omitempty"`
	StatusCode      int      `json:"statusCode,omitempty"`
}

// ChannelClosedEvent signals that every record of a channel can be discarded
type ChannelClosedEvent struct {
	ChannelID string `json:"channelId"`
}

// MessageKind names a message sent to downstream components
type MessageKind string

const (
	KindPushAction        MessageKind = "push_action"
	KindProveRequestStart MessageKind = "prove_request_start"
)

// PushAction announces a completed record
type PushAction struct {
	Kind      MessageKind   `json:"kind"`
	ChannelID string        `json:"channelId"`
	Record    RequestRecord `json:"record"`
}

// NewPushAction builds a push_action message for the record
func NewPushAction(record RequestRecord) PushAction {
	return PushAction{
		Kind:      KindPushAction,
		ChannelID: record.ChannelID,
		Record:    record,
	}
}

// ProveRequestStart notifies the notarization subsystem that a capture has been accepted
type ProveRequestStart struct {
	Kind      MessageKind     `json:"kind"`
	CaptureID string          `json:"captureId,omitempty"`
	Data      json.RawMessage `json:"data"`
}
