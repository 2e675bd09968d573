package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeConn records every frame handed to it.
type fakeConn struct {
	id string

	mu          sync.Mutex
	frames      [][]byte
	open        bool
	sendErr     error
	closeReason string
	closeCalls  int
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, open: true}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeConn) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeConn) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closeReason = reason
	f.closeCalls++
}

func (f *fakeConn) setOpen(open bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = open
}

func (f *fakeConn) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeConn) closed() (calls int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls, f.closeReason
}

func (f *fakeConn) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

// receivedOfType returns the frames whose envelope type matches frameType.
func (f *fakeConn) receivedOfType(t *testing.T, frameType string) [][]byte {
	t.Helper()
	var out [][]byte
	for _, frame := range f.received() {
		var env struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(frame, &env))
		if env.Type == frameType {
			out = append(out, frame)
		}
	}
	return out
}

// stallingConn blocks in Send until released, stalling the hub goroutine.
type stallingConn struct {
	*fakeConn
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallingConn(id string) *stallingConn {
	return &stallingConn{
		fakeConn: newFakeConn(id),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (s *stallingConn) Send(frame []byte) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.fakeConn.Send(frame)
}

// closeBarrier releases Close calls only once n of them are in flight at the same time.
type closeBarrier struct {
	mu      sync.Mutex
	n       int
	arrived int
	all     chan struct{}
}

func newCloseBarrier(n int) *closeBarrier {
	return &closeBarrier{n: n, all: make(chan struct{})}
}

func (b *closeBarrier) arrive() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.arrived++
	if b.arrived == b.n {
		close(b.all)
	}
}

// barrierConn closes only if every other connection is closing concurrently.
type barrierConn struct {
	*fakeConn
	barrier *closeBarrier
}

func (c *barrierConn) Close(reason string) {
	c.barrier.arrive()
	select {
	case <-c.barrier.all:
		c.fakeConn.Close(reason)
	case <-time.After(2 * time.Second):
	}
}

// fakeBridge records published frames.
type fakeBridge struct {
	mu        sync.Mutex
	published [][]byte
}

func (b *fakeBridge) Publish(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, frame)
}

func (b *fakeBridge) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

// newTestConnPair returns the server and client ends of a live WebSocket connection.
func newTestConnPair(t *testing.T) (server *ws.Conn, client *ws.Conn) {
	t.Helper()
	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ready := make(chan *ws.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ready <- conn
	}))
	t.Cleanup(func() { srv.Close() })

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { serverConn.Close() })

	return serverConn, clientConn
}
