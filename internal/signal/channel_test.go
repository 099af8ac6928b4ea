package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/SeifBoukerdenna/CRCoach-sub002/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// newRelay spins up a fake relay; handle runs with the upgraded server-side
// connection. Returns the ws:// URL to dial.
func newRelay(t *testing.T, handle func(*websocket.Conn)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + server.URL[4:]
}

func readRelayMsg(t *testing.T, conn *websocket.Conn) domain.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg domain.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Errorf("relay read: %v", err)
	}
	return msg
}

func TestOpen_SendsConnectHandshake(t *testing.T) {
	got := make(chan domain.Message, 1)
	wsURL := newRelay(t, func(conn *websocket.Conn) {
		got <- readRelayMsg(t, conn)
	})

	ch := NewChannel(Config{URL: wsURL, Code: "4821"}, nil, nil, nil)
	require.NoError(t, ch.Open(context.Background()))
	defer ch.Close()

	select {
	case msg := <-got:
		require.Equal(t, domain.TypeConnect, msg.Type)
		require.Equal(t, domain.RoleViewer, msg.Role)
		require.Equal(t, "4821", msg.SessionCode)
		require.NotZero(t, msg.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("relay never received connect handshake")
	}
	require.True(t, ch.Ready())
}

func TestOpen_DialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening anymore

	ch := NewChannel(Config{URL: "ws" + server.URL[4:], Code: "4821"}, nil, nil, nil)
	err := ch.Open(context.Background())
	require.ErrorIs(t, err, domain.ErrTransport)
	require.False(t, ch.Ready())
}

func TestInboundMessages_DeliveredInOrder(t *testing.T) {
	wsURL := newRelay(t, func(conn *websocket.Conn) {
		readRelayMsg(t, conn) // connect
		for _, typ := range []string{domain.TypeConnected, domain.TypeOffer, domain.TypeICE} {
			if err := conn.WriteJSON(domain.Message{Type: typ}); err != nil {
				return
			}
		}
		// hold the connection open until the client goes away
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		conn.ReadMessage()
	})

	received := make(chan string, 3)
	handler := func(msg *domain.Message) {
		received <- msg.Type
	}

	ch := NewChannel(Config{URL: wsURL, Code: "4821"}, handler, nil, nil)
	require.NoError(t, ch.Open(context.Background()))
	defer ch.Close()

	for _, want := range []string{domain.TypeConnected, domain.TypeOffer, domain.TypeICE} {
		select {
		case got := <-received:
			require.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestSend_DroppedWhenNotReady(t *testing.T) {
	ch := NewChannel(Config{URL: "ws://127.0.0.1:0", Code: "4821"}, nil, nil, nil)
	require.False(t, ch.Ready())
	// must not panic on a never-opened channel
	ch.Send(&domain.Message{Type: domain.TypePing})
	ch.Close()
}

func TestClose_NoDeliveriesAfterReturn(t *testing.T) {
	relayReady := make(chan *websocket.Conn, 1)
	wsURL := newRelay(t, func(conn *websocket.Conn) {
		readRelayMsg(t, conn) // connect
		relayReady <- conn
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		conn.ReadMessage()
	})

	received := make(chan string, 16)
	ch := NewChannel(Config{URL: wsURL, Code: "4821"}, func(msg *domain.Message) {
		received <- msg.Type
	}, nil, nil)
	require.NoError(t, ch.Open(context.Background()))

	relay := <-relayReady
	ch.Close()
	require.False(t, ch.Ready())

	// anything the relay writes now must never reach the handler
	relay.WriteJSON(domain.Message{Type: domain.TypeOffer})
	time.Sleep(100 * time.Millisecond)
	select {
	case typ := <-received:
		t.Fatalf("handler delivered %s after Close returned", typ)
	default:
	}

	// double Close is safe
	ch.Close()
}

func TestHeartbeat_SendsApplicationPing(t *testing.T) {
	pings := make(chan domain.Message, 8)
	wsURL := newRelay(t, func(conn *websocket.Conn) {
		readRelayMsg(t, conn) // connect
		for {
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			var msg domain.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == domain.TypePing {
				pings <- msg
			}
		}
	})

	ch := NewChannel(Config{URL: wsURL, Code: "4821", PingInterval: 20 * time.Millisecond}, nil, nil, nil)
	require.NoError(t, ch.Open(context.Background()))
	defer ch.Close()

	select {
	case ping := <-pings:
		require.NotZero(t, ping.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat ping arrived")
	}
}

func TestTransportFailure_FiresOnClose(t *testing.T) {
	wsURL := newRelay(t, func(conn *websocket.Conn) {
		readRelayMsg(t, conn) // connect
		conn.Close()          // relay dies
	})

	closed := make(chan error, 1)
	ch := NewChannel(Config{URL: wsURL, Code: "4821"}, nil, func(err error) {
		closed <- err
	}, nil)
	require.NoError(t, ch.Open(context.Background()))

	select {
	case err := <-closed:
		require.ErrorIs(t, err, domain.ErrTransport)
	case <-time.After(2 * time.Second):
		t.Fatal("onClose never fired after relay dropped the transport")
	}
	require.False(t, ch.Ready())
	ch.Close()
}
