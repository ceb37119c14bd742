package cdp

import (
	"testing"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"

	"github.com/psantana5/reqcorr/pkg/models"
)

func TestResourceType(t *testing.T) {
	tests := []struct {
		in   proto.NetworkResourceType
		want string
	}{
		{proto.NetworkResourceTypeXHR, "xmlhttprequest"},
		{proto.NetworkResourceTypeFetch, "xmlhttprequest"},
		{proto.NetworkResourceTypeDocument, "main_frame"},
		{proto.NetworkResourceTypeScript, "script"},
		{proto.NetworkResourceTypePreflight, "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, ResourceType(tt.in))
		})
	}
}

func TestHeadersSortedByName(t *testing.T) {
	headers := Headers(proto.NetworkHeaders{
		"User-Agent":    gson.New("rod"),
		"Authorization": gson.New("Bearer t"),
	})

	assert.Equal(t, []models.Header{
		{Name: "Authorization", Value: "Bearer t"},
		{Name: "User-Agent", Value: "rod"},
	}, headers)
	assert.Nil(t, Headers(nil))
}

func TestPostBody(t *testing.T) {
	assert.Nil(t, PostBody(nil))
	assert.Nil(t, PostBody(&proto.NetworkRequest{Method: "GET"}))

	body := PostBody(&proto.NetworkRequest{
		PostDataEntries: []*proto.NetworkPostDataEntry{{Bytes: []byte("a=1")}, {Bytes: []byte("b=2")}},
	})
	require.NotNil(t, body)
	require.Len(t, body.Raw, 2)
	assert.Equal(t, []byte("a=1"), body.FirstRawBytes())

	body = PostBody(&proto.NetworkRequest{PostData: "x=y"})
	require.NotNil(t, body)
	assert.Equal(t, []byte("x=y"), body.FirstRawBytes())
}

func TestOrigin(t *testing.T) {
	origin := Origin("https://x.com:8443/home?tab=1")
	require.NotNil(t, origin)
	assert.Equal(t, "https://x.com:8443", *origin)

	assert.Nil(t, Origin(""))
	assert.Nil(t, Origin("about:blank"))
}

func TestRequestWillBeSentTranslation(t *testing.T) {
	ev := &proto.NetworkRequestWillBeSent{
		RequestID:   "1000.1",
		DocumentURL: "https://x.com/settings",
		Type:        proto.NetworkResourceTypeXHR,
		Request: &proto.NetworkRequest{
			URL:      "https://api.twitter.com/1.1/account/settings.json",
			Method:   "POST",
			Headers:  proto.NetworkHeaders{"Content-Type": gson.New("application/x-www-form-urlencoded")},
			PostData: "lang=en",
		},
	}

	body, ok := BeforeRequest("tab-1", ev)
	require.True(t, ok)
	assert.Equal(t, "1000.1", body.RequestID)
	assert.Equal(t, "tab-1", body.ChannelID)
	assert.Equal(t, "xmlhttprequest", body.ResourceType)
	assert.Equal(t, []byte("lang=en"), body.RequestBody.FirstRawBytes())

	headers := SendHeaders("tab-1", ev)
	assert.Equal(t, "POST", headers.Method)
	require.NotNil(t, headers.Initiator)
	assert.Equal(t, "https://x.com", *headers.Initiator)
	assert.Equal(t, []models.Header{{Name: "Content-Type", Value: "application/x-www-form-urlencoded"}}, headers.RequestHeaders)

	ev.Request.PostData = ""
	_, ok = BeforeRequest("tab-1", ev)
	assert.False(t, ok)
}

func TestResponseStartedTranslation(t *testing.T) {
	initiator := "https://x.com"
	ev := &proto.NetworkResponseReceived{
		RequestID: "1000.1",
		Type:      proto.NetworkResourceTypeFetch,
		Response: &proto.NetworkResponse{
			URL:     "https://api.twitter.com/1.1/account/settings.json",
			Status:  200,
			Headers: proto.NetworkHeaders{"Content-Type": gson.New("application/json")},
		},
	}

	out := ResponseStarted("tab-1", ev, "GET", &initiator)
	assert.Equal(t, "GET", out.Method)
	assert.Equal(t, 200, out.StatusCode)
	assert.Equal(t, &initiator, out.Initiator)
	assert.Equal(t, []models.Header{{Name: "Content-Type", Value: "application/json"}}, out.ResponseHeaders)

	// an empty header set still marks the record complete
	ev.Response.Headers = nil
	out = ResponseStarted("tab-1", ev, "", nil)
	assert.NotNil(t, out.ResponseHeaders)
	assert.Empty(t, out.ResponseHeaders)
}
