package models

// DefaultMaxTranscriptSize bounds the transcript the notary will accept
const DefaultMaxTranscriptSize = 49152

// CaptureRequest is the synthesized request forwarded to the notarization subsystem
type CaptureRequest struct {
	ID                string            `json:"id,omitempty"`
	URL               string            `json:"url"`
	Method            string            `json:"method"`
	Headers           map[string]string `json:"headers"`
	Body              *string           `json:"body,omitempty"`
	MaxTranscriptSize int               `json:"maxTranscriptSize"`
}
