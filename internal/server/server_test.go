package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/comigor/sessiond/internal/broadcast"
	"github.com/comigor/sessiond/internal/invoke"
	"github.com/comigor/sessiond/internal/session"
	"github.com/comigor/sessiond/internal/store"
)

func newTestServer(t *testing.T, lines ...string) (*httptest.Server, *session.Orchestrator) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	inv := invoke.Func(func(ctx context.Context, history []invoke.Turn) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(strings.Join(lines, "\n"))), nil
	})
	orch := session.New(st, broadcast.New(), inv)
	ts := httptest.NewServer(New(orch).Handler())
	t.Cleanup(ts.Close)
	return ts, orch
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	require.Equal(t, "healthy", body["status"])
}

func TestCreateSession(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/sessions", CreateSessionRequest{Name: "demo", InitialMessage: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sum store.Summary
	decodeBody(t, resp, &sum)
	require.NotEmpty(t, sum.ID)
	require.Equal(t, "demo", sum.Name)
	require.Equal(t, store.StatusIdle, sum.Status)
	require.Equal(t, 1, sum.MessageCount)
}

func TestCreateSession_EmptyNameRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/sessions", CreateSessionRequest{Name: ""})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestListSessions(t *testing.T) {
	ts, _ := newTestServer(t)
	for _, name := range []string{"one", "two"} {
		resp := postJSON(t, ts.URL+"/sessions", CreateSessionRequest{Name: name})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/sessions")
	require.NoError(t, err)
	var sums []store.Summary
	decodeBody(t, resp, &sums)
	require.Len(t, sums, 2)
}

func TestGetSession_NotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/sessions/nonexistent")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	require.Equal(t, "Session not found", body["detail"])
}

func TestDeleteSession(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/sessions", CreateSessionRequest{Name: "demo"})
	var sum store.Summary
	decodeBody(t, resp, &sum)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/sessions/"+sum.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, delResp.StatusCode)
	delResp.Body.Close()

	getResp, err := http.Get(ts.URL + "/sessions/" + sum.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, getResp.StatusCode)
	getResp.Body.Close()
}

func TestSendMessage_EndToEnd(t *testing.T) {
	ts, orch := newTestServer(t, `{"type":"output","content":"world"}`)

	resp := postJSON(t, ts.URL+"/sessions", CreateSessionRequest{Name: "demo"})
	var sum store.Summary
	decodeBody(t, resp, &sum)

	msgResp := postJSON(t, ts.URL+"/sessions/"+sum.ID+"/messages", SendMessageRequest{Message: "hello"})
	require.Equal(t, http.StatusOK, msgResp.StatusCode)
	var accepted map[string]string
	decodeBody(t, msgResp, &accepted)
	require.Equal(t, "message sent", accepted["status"])

	orch.Wait()

	getResp, err := http.Get(ts.URL + "/sessions/" + sum.ID)
	require.NoError(t, err)
	var sess store.Session
	decodeBody(t, getResp, &sess)
	require.Equal(t, store.StatusIdle, sess.Status)
	require.Len(t, sess.Messages, 2)
	require.Equal(t, "hello", sess.Messages[0].Content)
	require.Equal(t, "world", sess.Messages[1].Content)
}

func TestSendMessage_UnknownSession(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/sessions/nonexistent/messages", SendMessageRequest{Message: "hello"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestStream_ReceivesBroadcasts(t *testing.T) {
	ts, _ := newTestServer(t, `{"type":"output","content":"world"}`)

	resp := postJSON(t, ts.URL+"/sessions", CreateSessionRequest{Name: "demo"})
	var sum store.Summary
	decodeBody(t, resp, &sum)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/sessions/"+sum.ID+"/stream"), nil)
	require.NoError(t, err)
	defer conn.Close()

	msgResp := postJSON(t, ts.URL+"/sessions/"+sum.ID+"/messages", SendMessageRequest{Message: "hello"})
	msgResp.Body.Close()

	var envs []broadcast.Envelope
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(envs) < 2 {
		var env broadcast.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		envs = append(envs, env)
	}
	require.Equal(t, "message", envs[0].Type)
	require.Equal(t, "user", envs[0].Role)
	require.Equal(t, "hello", envs[0].Content)
	require.Equal(t, "message", envs[1].Type)
	require.Equal(t, "assistant", envs[1].Role)
	require.Equal(t, "world", envs[1].Content)
}

func TestStream_PingPong(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/sessions", CreateSessionRequest{Name: "demo"})
	var sum store.Summary
	decodeBody(t, resp, &sum)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/sessions/"+sum.ID+"/stream"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	var frame map[string]string
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "pong", frame["type"])
}

func TestStream_UnknownSessionRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/sessions/nonexistent/stream"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// A disconnected subscriber is released; a healthy one keeps receiving.
func TestStream_DisconnectReleasesSubscription(t *testing.T) {
	ts, orch := newTestServer(t, `{"type":"output","content":"reply"}`)

	resp := postJSON(t, ts.URL+"/sessions", CreateSessionRequest{Name: "demo"})
	var sum store.Summary
	decodeBody(t, resp, &sum)

	gone, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/sessions/"+sum.ID+"/stream"), nil)
	require.NoError(t, err)
	healthy, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/sessions/"+sum.ID+"/stream"), nil)
	require.NoError(t, err)
	defer healthy.Close()

	gone.Close()

	msgResp := postJSON(t, ts.URL+"/sessions/"+sum.ID+"/messages", SendMessageRequest{Message: "hello"})
	msgResp.Body.Close()
	orch.Wait()

	healthy.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env broadcast.Envelope
	require.NoError(t, healthy.ReadJSON(&env))
	require.Equal(t, "hello", env.Content)
}
