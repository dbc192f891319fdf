package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hay-kot/pocket/internal/core/block"
	"github.com/hay-kot/pocket/internal/core/classify"
	"github.com/hay-kot/pocket/internal/core/event"
	"github.com/hay-kot/pocket/internal/session"
	"github.com/hay-kot/pocket/internal/session/shelltest"
	"github.com/hay-kot/pocket/internal/transport"
)

func newTestServer(t *testing.T) (*Server, *session.Orchestrator) {
	t.Helper()
	return newSecuredServer(t, Options{})
}

func newSecuredServer(t *testing.T, srvOpts Options) (*Server, *session.Orchestrator) {
	t.Helper()

	opts := session.DefaultOptions()
	opts.Welcome = false
	opts.GracePeriod = 100 * time.Millisecond
	opts.Reconnect.InitialInterval = time.Millisecond

	sess := session.New(zerolog.Nop(), shelltest.NewDialer(), classify.Default(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sess.Close(ctx)
	})

	resolve := func(name string) (transport.Target, error) {
		if name == "" || name == "local" {
			return transport.Local(""), nil
		}
		return transport.Target{}, errors.New("unknown target " + name)
	}
	return New(zerolog.Nop(), sess, resolve, srvOpts), sess
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msgType string, payload any) {
	t.Helper()
	msg, err := NewMessage(msgType, payload)
	require.NoError(t, err)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

// readUntil reads messages until one matches msgType and match.
func readUntil(t *testing.T, ws *websocket.Conn, msgType string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", msgType)

		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == msgType && (match == nil || match(msg.Payload)) {
			return msg.Payload
		}
	}
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"disconnected"`)
}

func TestServer_Classify(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/classify?command=vim+notes.txt", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var res classify.Result
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, classify.ModeFullscreen, res.Mode)

	req = httptest.NewRequest(http.MethodGet, "/classify", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_SnapshotOnConnect(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv)

	payload := readUntil(t, ws, TypeSnapshot, nil)
	var snap SnapshotPayload
	require.NoError(t, json.Unmarshal(payload, &snap))
	assert.Equal(t, event.StateDisconnected, snap.State)
	assert.Empty(t, snap.Blocks)
	assert.True(t, snap.Focus.IsMain())
}

func TestServer_ConnectAndSubmit(t *testing.T) {
	srv, sess := newTestServer(t)
	ws := dial(t, srv)
	readUntil(t, ws, TypeSnapshot, nil)

	send(t, ws, TypeSessionConnect, SessionConnectPayload{Target: "local"})
	readUntil(t, ws, string(event.TypeSessionStateChanged), func(p json.RawMessage) bool {
		var ev event.SessionStateChanged
		return json.Unmarshal(p, &ev) == nil && ev.State == event.StateConnected
	})

	send(t, ws, TypeCommandSubmit, CommandSubmitPayload{Command: "echo hello"})

	var accepted CommandAcceptedPayload
	require.NoError(t, json.Unmarshal(readUntil(t, ws, TypeCommandAccepted, nil), &accepted))
	assert.Equal(t, "echo hello", accepted.Command)

	var out OutputPayload
	require.NoError(t, json.Unmarshal(readUntil(t, ws, string(event.TypeBlockOutputAppended), nil), &out))
	assert.Equal(t, accepted.BlockID, out.BlockID)
	assert.Equal(t, "hello\r\n", string(out.Data))

	var fin event.BlockFinalized
	require.NoError(t, json.Unmarshal(readUntil(t, ws, string(event.TypeBlockFinalized), nil), &fin))
	assert.Equal(t, block.StatusSucceeded, fin.Status)

	b, ok := sess.Block(accepted.BlockID)
	require.True(t, ok)
	assert.Equal(t, "hello\r\n", b.OutputString())
}

func TestServer_SubmitWhileDisconnected(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv)
	readUntil(t, ws, TypeSnapshot, nil)

	send(t, ws, TypeCommandSubmit, CommandSubmitPayload{Command: "ls"})

	var e ErrorPayload
	require.NoError(t, json.Unmarshal(readUntil(t, ws, TypeError, nil), &e))
	assert.Equal(t, ErrNotConnected, e.Code)
}

func TestServer_UnknownTarget(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv)
	readUntil(t, ws, TypeSnapshot, nil)

	send(t, ws, TypeSessionConnect, SessionConnectPayload{Target: "prod"})

	var e ErrorPayload
	require.NoError(t, json.Unmarshal(readUntil(t, ws, TypeError, nil), &e))
	assert.Equal(t, ErrUnknownTarget, e.Code)
}

func TestServer_InvalidMessage(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := dial(t, srv)
	readUntil(t, ws, TypeSnapshot, nil)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))

	var e ErrorPayload
	require.NoError(t, json.Unmarshal(readUntil(t, ws, TypeError, nil), &e))
	assert.Equal(t, ErrInvalidMessage, e.Code)
}

func TestValidateClientMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"submit", `{"type":"command.submit","payload":{"command":"ls"}}`, false},
		{"release", `{"type":"focus.release"}`, false},
		{"missing type", `{"payload":{}}`, true},
		{"unknown type", `{"type":"session.explode"}`, true},
		{"garbage", `{`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validateClientMessage([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEventMessage_OutputIsBase64(t *testing.T) {
	msg, err := eventMessage(event.BlockOutputAppended{BlockID: 4, Chunk: []byte("hi\n")})
	require.NoError(t, err)
	assert.Equal(t, string(event.TypeBlockOutputAppended), msg.Type)
	assert.JSONEq(t, `{"block_id":4,"data":"aGkK"}`, string(msg.Payload))
}

func TestEventMessage_SplitRuneSurvives(t *testing.T) {
	euro := []byte("€")
	var got []byte
	for _, chunk := range [][]byte{euro[:2], euro[2:]} {
		msg, err := eventMessage(event.BlockOutputAppended{BlockID: 1, Chunk: chunk})
		require.NoError(t, err)

		var out OutputPayload
		require.NoError(t, json.Unmarshal(msg.Payload, &out))
		assert.Equal(t, chunk, out.Data)
		got = append(got, out.Data...)
	}
	assert.Equal(t, "€", string(got))
}

func TestBlockViews_FlattensOutput(t *testing.T) {
	views := blockViews([]block.Block{{ID: 1, Kind: block.KindCommand, Output: [][]byte{[]byte("a"), []byte("b")}}})
	require.Len(t, views, 1)

	data, err := json.Marshal(views[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"output":"YWI="`)
}

func TestServer_RejectsForeignOrigin(t *testing.T) {
	srv, _ := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, srv.Clients())

	header = http.Header{"Origin": []string{httpSrv.URL}}
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	_ = ws.Close()
}

func TestServer_AllowedOrigin(t *testing.T) {
	srv, _ := newSecuredServer(t, Options{AllowedOrigins: []string{"http://localhost:5173/"}})
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"http://localhost:5173"}})
	require.NoError(t, err)
	_ = ws.Close()
}

func TestServer_RequiresToken(t *testing.T) {
	srv, _ := newSecuredServer(t, Options{Token: "s3cret"})
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL+"?token=wrong", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=s3cret", nil)
	require.NoError(t, err)
	readUntil(t, ws, TypeSnapshot, nil)
	_ = ws.Close()

	req := httptest.NewRequest(http.MethodGet, "/blocks", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/blocks", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
