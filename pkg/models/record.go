package models

// Header is a single (name, value) pair. Order within a header list is preserved.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FormData maps a form field name to its ordered values
type FormData map[string][]string

// RequestRecord is the correlated view of one request within a channel
type RequestRecord struct {
	RequestID       string   `json:"requestId"`
	ChannelID       string   `json:"channelId"`
	Method          string   `json:"method,omitempty"`
	URL             string   `json:"url,omitempty"`
	ResourceType    string   `json:"type,omitempty"`
	Initiator       *string  `json:"initiator"`
	RequestHeaders  []Header `json:"requestHeaders"`
	RequestBody     *string  `json:"requestBody,omitempty"`
	FormData        FormData `json:"formData,omitempty"`
	ResponseHeaders []Header `json:"responseHeaders"`
	StatusCode      int      `json:"statusCode,omitempty"`
}

// HasBody reports whether either body representation has been set
func (r *RequestRecord) HasBody() bool {
	return r.RequestBody != nil || r.FormData != nil
}

// Completed reports whether the terminal phase has been merged
func (r *RequestRecord) Completed() bool {
	return r.ResponseHeaders != nil
}

// Clone returns a deep copy of the record
func (r RequestRecord) Clone() RequestRecord {
	out := r
	if r.Initiator != nil {
		v := *r.Initiator
		out.Initiator = &v
	}
	if r.RequestBody != nil {
		v := *r.RequestBody
		out.RequestBody = &v
	}
	out.RequestHeaders = CloneHeaders(r.RequestHeaders)
	out.ResponseHeaders = CloneHeaders(r.ResponseHeaders)
	out.FormData = r.FormData.Clone()
	return out
}

// CloneHeaders copies a header list, keeping nil as nil
func CloneHeaders(h []Header) []Header {
	if h == nil {
		return nil
	}
	out := make([]Header, len(h))
	copy(out, h)
	return out
}

// Clone copies the form data, keeping nil as nil
func (f FormData) Clone() FormData {
	if f == nil {
		return nil
	}
	out := make(FormData, len(f))
	for k, v := range f {
		vals := make([]string, len(v))
		copy(vals, v)
		out[k] = vals
	}
	return out
}
