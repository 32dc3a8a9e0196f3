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

	"proctorhub/pkg/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// echoPeer starts a server that reports every text frame it receives.
func echoPeer(t *testing.T) (*websocket.Conn, <-chan string) {
	t.Helper()
	received := make(chan string, 64)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(data)
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn, received
}

func TestConnection_Credentials(t *testing.T) {
	ws, _ := echoPeer(t)
	conn := NewConnection(ws, DefaultConnectionOptions())
	defer conn.Close()

	assert.False(t, conn.IsAuthenticated())
	assert.NotEmpty(t, conn.ID())

	assert.ErrorIs(t, conn.SetCredentials("bad id", types.RoleCandidate), types.ErrInvalidUserID)
	require.NoError(t, conn.SetCredentials("alice", types.RoleCandidate))
	assert.True(t, conn.IsAuthenticated())
	assert.Equal(t, "alice", conn.GetUserID())
	assert.Equal(t, types.RoleCandidate, conn.GetRole())
}

func TestConnection_SendAndWriteJSON(t *testing.T) {
	ws, received := echoPeer(t)
	conn := NewConnection(ws, DefaultConnectionOptions())
	defer conn.Close()

	require.NoError(t, conn.Send([]byte(`{"type":"chat"}`)))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "left"}))

	assert.Equal(t, `{"type":"chat"}`, <-received)
	assert.Equal(t, `{"type":"left"}`, <-received)

	assert.ErrorIs(t, conn.WriteJSON(make(chan int)), ErrInvalidJSON)
}

func TestConnection_SendNeverBlocks(t *testing.T) {
	ws, _ := echoPeer(t)
	conn := &Connection{writeCh: make(chan []byte, 2), writeTimeout: time.Second}
	conn.ctx, conn.cancel = context.WithCancel(context.Background())
	conn.conn = ws
	defer conn.Close()

	// No writer goroutine is draining the queue.
	require.NoError(t, conn.Send([]byte("1")))
	require.NoError(t, conn.Send([]byte("2")))

	done := make(chan error, 1)
	go func() { done <- conn.Send([]byte("3")) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSendBufferFull)
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full queue")
	}
}

func TestConnection_CloseIdempotent(t *testing.T) {
	ws, _ := echoPeer(t)
	conn := NewConnection(ws, DefaultConnectionOptions())

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())

	assert.ErrorIs(t, conn.Send([]byte("x")), ErrConnectionClosed)
	assert.ErrorIs(t, conn.WriteJSON("x"), ErrConnectionClosed)
	select {
	case <-conn.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestConnection_ConcurrentSends(t *testing.T) {
	ws, received := echoPeer(t)
	conn := NewConnection(ws, ConnectionOptions{BufferSize: 200, WriteTimeout: time.Second})
	defer conn.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = conn.Send([]byte(`{}`))
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 100; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("received only %d frames", i)
		}
	}
}
