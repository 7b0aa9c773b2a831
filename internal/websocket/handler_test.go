package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careflow/internal/auth"
	"careflow/pkg/interfaces"
	"careflow/pkg/types"
)

// recordingGateway stands in for the hub and keeps every call it sees.
type recordingGateway struct {
	mu         sync.Mutex
	registered []interfaces.Connection
	controls   []types.ControlMessage
	dropped    chan string
	controlled chan struct{}
	joined     chan struct{}
}

func newRecordingGateway() *recordingGateway {
	return &recordingGateway{
		dropped:    make(chan string, 8),
		controlled: make(chan struct{}, 8),
		joined:     make(chan struct{}, 8),
	}
}

func (g *recordingGateway) Register(conn interfaces.Connection) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.registered = append(g.registered, conn)
	g.joined <- struct{}{}
	return nil
}

func (g *recordingGateway) Unregister(conn interfaces.Connection) error {
	g.dropped <- conn.ID()
	return nil
}

func (g *recordingGateway) Control(_ string, msg types.ControlMessage) error {
	g.mu.Lock()
	g.controls = append(g.controls, msg)
	g.mu.Unlock()
	g.controlled <- struct{}{}
	return nil
}

func (g *recordingGateway) Publish(interfaces.Mutation, *types.ClinicalAction) error {
	return nil
}

func (g *recordingGateway) connections() []interfaces.Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]interfaces.Connection(nil), g.registered...)
}

// awaitRegistered waits for the handler's Register call, which happens
// after the handshake response has already reached the client.
func (g *recordingGateway) awaitRegistered(t *testing.T) interfaces.Connection {
	t.Helper()
	select {
	case <-g.joined:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was never registered")
	}
	conns := g.connections()
	return conns[len(conns)-1]
}

func newTestServer(t *testing.T) (*httptest.Server, *recordingGateway, *auth.Authenticator) {
	t.Helper()
	authenticator, err := auth.NewAuthenticator("websocket-test-secret", time.Hour)
	require.NoError(t, err)
	gateway := newRecordingGateway()
	handler := NewHandler(authenticator, gateway, DefaultSettings(), nil)

	srv := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(srv.Close)
	return srv, gateway, authenticator
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHandler_RefusesMissingToken(t *testing.T) {
	srv, gateway, _ := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, gateway.connections())
}

func TestHandler_RefusesBadToken(t *testing.T) {
	srv, gateway, _ := newTestServer(t)

	header := http.Header{"Authorization": {"Bearer not-a-jwt"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, gateway.connections())
}

func TestHandler_RegistersAndForwardsControl(t *testing.T) {
	srv, gateway, authenticator := newTestServer(t)
	token, err := authenticator.IssueToken("nurse-1", types.RoleNurse)
	require.NoError(t, err)

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token="+token, nil)
	require.NoError(t, err)

	conn := gateway.awaitRegistered(t)
	assert.Equal(t, types.Identity{UserID: "nurse-1", Role: types.RoleNurse}, conn.Identity())

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("{garbage")))
	require.NoError(t, client.WriteJSON(types.ControlMessage{Type: types.ControlJoinPatient, PatientID: "P1"}))

	select {
	case <-gateway.controlled:
	case <-time.After(2 * time.Second):
		t.Fatal("control message not forwarded")
	}
	gateway.mu.Lock()
	assert.Equal(t, []types.ControlMessage{{Type: types.ControlJoinPatient, PatientID: "P1"}}, gateway.controls)
	gateway.mu.Unlock()

	// Events sent through the connection reach the client as JSON.
	require.NoError(t, conn.Send(types.Event{Name: types.EventError, Data: map[string]string{"message": "x"}}))
	var got map[string]interface{}
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, client.ReadJSON(&got))
	assert.Equal(t, types.EventError, got["event"])

	require.NoError(t, client.Close())
	select {
	case id := <-gateway.dropped:
		assert.Equal(t, conn.ID(), id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not unregister the connection")
	}
}

func TestConnection_SendAfterClose(t *testing.T) {
	srv, gateway, authenticator := newTestServer(t)
	token, err := authenticator.IssueToken("doc-1", types.RoleDoctor)
	require.NoError(t, err)

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv), http.Header{"Authorization": {"Bearer " + token}})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	conn := gateway.awaitRegistered(t)
	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send(types.Event{Name: types.EventActionUpdated}), ErrConnectionClosed)
}

func TestConnection_SendRejectsUnencodable(t *testing.T) {
	c := &Connection{writeCh: make(chan []byte, 1)}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	defer c.cancel()

	assert.ErrorIs(t, c.Send(make(chan int)), ErrInvalidJSON)
	require.NoError(t, c.Send("first"))
	assert.ErrorIs(t, c.Send("second"), ErrSendBufferFull)
}
