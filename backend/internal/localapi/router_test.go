package localapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"collabSync/backend/internal/editor"
	"collabSync/backend/internal/ot/revision"
)

func newTestServer(t *testing.T) (*httptest.Server, *editor.EditorManager) {
	t.Helper()
	editors := editor.NewEditorManager("alice", revision.NewMemoryDiskCache(), nil, editor.Options{})
	srv := httptest.NewServer(NewServer(editors).Router())
	t.Cleanup(func() {
		srv.Close()
		_ = editors.CloseAll(context.Background())
	})
	return srv, editors
}

type docResponse struct {
	Delta    json.RawMessage `json:"delta"`
	Document editor.Snapshot `json:"document"`
	Code     string          `json:"code"`
}

func post(t *testing.T, srv *httptest.Server, path, body string) (int, docResponse) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out docResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestRouter_EditFlow(t *testing.T) {
	srv, editors := newTestServer(t)

	code, out := post(t, srv, "/documents/doc-1/insert", `{"index":0,"text":"hello"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "hello\n", out.Document.Text)
	require.JSONEq(t, `[{"insert":"hello"}]`, string(out.Delta))

	code, out = post(t, srv, "/documents/doc-1/format", `{"start":0,"end":5,"attributes":{"bold":true}}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, `[{"insert":"hello","attributes":{"bold":true}},{"insert":"\n"}]`, out.Document.Content.JSON())

	code, out = post(t, srv, "/documents/doc-1/undo", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, `[{"insert":"hello\n"}]`, out.Document.Content.JSON())
	require.True(t, out.Document.CanRedo)

	code, out = post(t, srv, "/documents/doc-1/redo", "")
	require.Equal(t, http.StatusOK, code)
	require.False(t, out.Document.CanRedo)

	code, out = post(t, srv, "/documents/doc-1/replace", `{"start":0,"end":5,"text":"bye"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "bye\n", out.Document.Text)

	code, out = post(t, srv, "/documents/doc-1/delete", `{"start":0,"end":1}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ye\n", out.Document.Text)

	e, ok := editors.Get("doc-1")
	require.True(t, ok)
	require.Equal(t, out.Document.RevID, e.RevID())

	resp, err := http.Get(srv.URL + "/documents/doc-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var snap editor.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Equal(t, "ye\n", snap.Text)
	require.Equal(t, "doc-1", snap.ObjectID)
}

func TestRouter_Errors(t *testing.T) {
	srv, _ := newTestServer(t)

	code, out := post(t, srv, "/documents/doc-1/undo", "")
	if code != http.StatusConflict || out.Code != "NOTHING_TO_UNDO" {
		t.Fatalf("undo on fresh doc = %d %q, want 409 NOTHING_TO_UNDO", code, out.Code)
	}

	code, out = post(t, srv, "/documents/doc-1/delete", `{"start":0,"end":40}`)
	if code != http.StatusBadRequest || out.Code != "INDEX_OUT_OF_RANGE" {
		t.Fatalf("delete out of range = %d %q, want 400 INDEX_OUT_OF_RANGE", code, out.Code)
	}

	code, out = post(t, srv, "/documents/doc-1/insert", `{"index":`)
	if code != http.StatusBadRequest || out.Code != "BAD_REQUEST" {
		t.Fatalf("malformed body = %d %q, want 400 BAD_REQUEST", code, out.Code)
	}
}

func TestRouter_CloseDocument(t *testing.T) {
	srv, editors := newTestServer(t)

	code, _ := post(t, srv, "/documents/doc-1/insert", `{"index":0,"text":"x"}`)
	require.Equal(t, http.StatusOK, code)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/documents/doc-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, ok := editors.Get("doc-1")
	require.False(t, ok)

	// 重新打开时从本地缓存恢复
	code, out := post(t, srv, "/documents/doc-1/insert", `{"index":1,"text":"y"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "xy\n", out.Document.Text)
}
