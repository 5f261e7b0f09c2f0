package accounting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mta-dispatch/internal/config"
)

func newTestBridge(t *testing.T, token string, handler http.HandlerFunc) *BridgeClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBridgeClient(config.AccountingConfig{
		PullURL:    srv.URL + "/api/v1/pull/latest",
		StatusURL:  srv.URL + "/api/v1/status",
		Token:      token,
		SourceKind: "acct",
	}, srv.Client())
}

func TestBridgePullQueryAndAuth(t *testing.T) {
	var gotQuery map[string]string
	var gotAuth string
	c := newTestBridge(t, `"Bearer tok-123"`, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = map[string]string{
			"kind":      r.URL.Query().Get("kind"),
			"cursor":    r.URL.Query().Get("cursor"),
			"max_lines": r.URL.Query().Get("max_lines"),
		}
		w.Write([]byte(`{"ok":true,"items":[{"type":"d","rcpt":"a@b.com"}],"next_cursor":"abc123","has_more":false}`))
	})

	resp, err := c.Pull(context.Background(), "prev-cursor", 2000)
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-123", gotAuth, "token is normalized before use")
	assert.Equal(t, "acct", gotQuery["kind"])
	assert.Equal(t, "prev-cursor", gotQuery["cursor"])
	assert.Equal(t, "2000", gotQuery["max_lines"])

	require.Len(t, resp.Items, 1)
	assert.Equal(t, "abc123", resp.NextCursor)
	assert.False(t, resp.HasMore)
}

func TestBridgePullLegacyArrayResponse(t *testing.T) {
	c := newTestBridge(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"type":"d","rcpt":"a@b.com"},{"type":"b","rcpt":"c@d.com"}]`))
	})

	resp, err := c.Pull(context.Background(), "", 100)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Len(t, resp.Items, 2)
	assert.Empty(t, resp.NextCursor, "legacy responses carry no cursor")
	assert.False(t, resp.HasMore)
}

func TestBridgePullRejected(t *testing.T) {
	c := newTestBridge(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error":"bad kind"}`))
	})

	_, err := c.Pull(context.Background(), "", 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad kind")
}

func TestBridgePullHTTPError(t *testing.T) {
	c := newTestBridge(t, "", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})

	_, err := c.Pull(context.Background(), "", 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestBridgeStatusProxy(t *testing.T) {
	c := newTestBridge(t, "tok", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tailing":true,"lag_lines":0}`))
	})

	raw, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"tailing":true,"lag_lines":0}`, string(raw))
}

func TestBridgeRecordParsing(t *testing.T) {
	c := newTestBridge(t, "", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true,"items":[
			{"type":"d","rcpt":"a@gmail.com","header_x-job-id":"abcdef123456","header_x-campaign-id":"camp-1"}
		],"next_cursor":"c1","has_more":true}`))
	})

	resp, err := c.Pull(context.Background(), "", 100)
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	assert.True(t, resp.HasMore)

	var rec Record
	require.NoError(t, json.Unmarshal(resp.Items[0], &rec))
	assert.Equal(t, "d", rec.Type)
	assert.Equal(t, "a@gmail.com", rec.Recipient)
	assert.Equal(t, "abcdef123456", rec.HeaderJobID)
	assert.Equal(t, "camp-1", rec.HeaderCampaignID)
}
