package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"delegate-assistant/internal/integrations/paramstore"
)

const sampleWebhook = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "changes": [{
      "field": "messages",
      "value": {
        "contacts": [{"wa_id": "56911112222"}],
        "messages": [
          {"id": "wamid.1", "from": "56911112222", "timestamp": "1700000000", "type": "text", "text": {"body": "hola"}},
          {"id": "wamid.2", "type": "image", "image": {"id": "media-1", "caption": "vitrina"}},
          {"id": "wamid.3", "type": "audio", "audio": {"id": "media-2"}},
          {"id": "wamid.4", "type": "location", "location": {"latitude": -33.45, "longitude": -70.66, "name": "Farmacia Central", "address": "Av. Norte 1"}},
          {"id": "wamid.5", "type": "sticker", "sticker": {"id": "s"}}
        ]
      }
    }, {
      "field": "messages",
      "value": {"statuses": [{"id": "wamid.out", "status": "delivered", "recipient_id": "56911112222"}, {"id": "", "status": "read"}]}
    }, {
      "field": "account_update",
      "value": {"messages": [{"id": "ignored", "from": "1", "type": "text", "text": {"body": "x"}}]}
    }]
  }]
}`

func TestParseWebhook(t *testing.T) {
	wh, err := ParseWebhook([]byte(sampleWebhook))
	require.NoError(t, err)
	require.Len(t, wh.Messages, 4)

	text := wh.Messages[0]
	require.Equal(t, KindText, text.Kind)
	require.Equal(t, "56911112222", text.From)
	require.Equal(t, "hola", text.Content(""))
	require.Equal(t, time.Unix(1700000000, 0).UTC(), text.SentAt)

	image := wh.Messages[1]
	require.Equal(t, KindMedia, image.Kind)
	require.Equal(t, "media-1", image.MediaID)
	require.Equal(t, "vitrina\n[Image: https://cdn/x]", image.Content("https://cdn/x"))

	audio := wh.Messages[2]
	require.Equal(t, "[Audio]", audio.Content(""))

	loc := wh.Messages[3]
	require.Equal(t, KindLocation, loc.Kind)
	require.Equal(t, "Location: -33.45, -70.66\nName: Farmacia Central\nAddress: Av. Norte 1", loc.Content(""))

	require.Equal(t, []Status{{MessageID: "wamid.out", Status: "DELIVERED", Recipient: "56911112222"}}, wh.Statuses)
}

func TestParseWebhook_MissingSenderSkipped(t *testing.T) {
	wh, err := ParseWebhook([]byte(`{"entry":[{"changes":[{"field":"messages","value":{"messages":[{"id":"a","type":"text","text":{"body":"x"}}]}}]}]}`))
	require.NoError(t, err)
	require.Empty(t, wh.Messages)
}

func TestParseWebhook_BadJSON(t *testing.T) {
	_, err := ParseWebhook([]byte(`{`))
	require.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"entry":[]}`)
	sig := Sign("s3cret", body)
	require.True(t, VerifySignature("s3cret", sig, body))
	require.False(t, VerifySignature("s3cret", sig, []byte(`{"entry":[1]}`)))
	require.False(t, VerifySignature("s3cret", "md5=abc", body))
	require.False(t, VerifySignature("other", sig, body))
	require.True(t, VerifySignature("", "", body))
}

func TestVerifyChallenge(t *testing.T) {
	got, ok := VerifyChallenge("subscribe", "tok", "123", "tok")
	require.True(t, ok)
	require.Equal(t, "123", got)

	_, ok = VerifyChallenge("unsubscribe", "tok", "123", "tok")
	require.False(t, ok)
	_, ok = VerifyChallenge("subscribe", "bad", "123", "tok")
	require.False(t, ok)
	_, ok = VerifyChallenge("subscribe", "", "123", "")
	require.False(t, ok)
}

func TestCleanPhone(t *testing.T) {
	cases := map[string]string{
		"whatsapp:+56 9 1111 2222": "+56911112222",
		"0056911112222":            "+56911112222",
		"56911112222":              "+56911112222",
		"(02) 555-1234":            "025551234",
		"+1 (555) 010-9999":        "+15550109999",
	}
	for in, want := range cases {
		require.Equal(t, want, CleanPhone(in), "in=%q", in)
	}
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(paramstore.Static{"/app/whatsapp-token": `{"token":"wa-token"}`}, "/app", "phone-1",
		WithBaseURL(srv.URL+"/"), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func TestClient_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/phone-1/messages", r.URL.Path)
		require.Equal(t, "Bearer wa-token", r.Header.Get("Authorization"))
		var req sendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "+56911112222", req.To)
		require.Equal(t, "text", req.Type)
		require.Equal(t, "hola", req.Text.Body)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
	}))
	defer srv.Close()

	id, err := newTestClient(t, srv).Send(context.Background(), "whatsapp:56911112222", "hola")
	require.NoError(t, err)
	require.Equal(t, "wamid.out", id)
}

func TestClient_SendStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad token"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Send(context.Background(), "56911112222", "hola")
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.HTTPStatusCode())
}

func TestClient_MediaURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/media-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"url":"https://cdn/media-1"}`))
	}))
	defer srv.Close()

	url, err := newTestClient(t, srv).MediaURL(context.Background(), "media-1")
	require.NoError(t, err)
	require.Equal(t, "https://cdn/media-1", url)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/app", "p")
	require.ErrorContains(t, err, "nil")
	_, err = NewClient(paramstore.Static{}, " ", "p")
	require.ErrorContains(t, err, "prefix")
	_, err = NewClient(paramstore.Static{}, "/app", " ")
	require.ErrorContains(t, err, "phone id")
}

func TestClient_MissingToken(t *testing.T) {
	c, err := NewClient(paramstore.Static{}, "/app", "p", WithBaseURL("http://127.0.0.1:1"))
	require.NoError(t, err)
	_, err = c.Send(context.Background(), "56911112222", "hola")
	require.ErrorContains(t, err, "whatsapp-token")
}

func TestClient_TokenFetchedAgainAfterFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer wa-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
	}))
	defer srv.Close()

	params := paramstore.Static{}
	c, err := NewClient(params, "/app", "phone-1", WithBaseURL(srv.URL+"/"), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = c.Send(context.Background(), "56911112222", "hola")
	require.ErrorContains(t, err, "whatsapp-token")

	params["/app/whatsapp-token"] = `{"token":"wa-token"}`
	id, err := c.Send(context.Background(), "56911112222", "hola")
	require.NoError(t, err)
	require.Equal(t, "wamid.out", id)
}
