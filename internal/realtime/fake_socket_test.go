package realtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeSocket struct {
	frames  chan []byte
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		frames:  make(chan []byte, 64),
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case payload := <-f.inbound:
		return websocket.TextMessage, payload, nil
	case <-f.closed:
		return 0, nil, errors.New("closed")
	}
}

func (f *fakeSocket) WriteMessage(kind int, payload []byte) error {
	if kind == websocket.TextMessage {
		f.frames <- payload
	}
	return nil
}

func (f *fakeSocket) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeSocket) SetReadLimit(int64)                        {}
func (f *fakeSocket) SetReadDeadline(time.Time) error           { return nil }
func (f *fakeSocket) SetWriteDeadline(time.Time) error          { return nil }
func (f *fakeSocket) SetPongHandler(func(string) error)         {}

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// stuckSocket models a peer that stopped reading: writes and control frames
// block until release is closed.
type stuckSocket struct {
	*fakeSocket
	release chan struct{}
}

func newStuckSocket() *stuckSocket {
	return &stuckSocket{fakeSocket: newFakeSocket(), release: make(chan struct{})}
}

func (s *stuckSocket) WriteMessage(int, []byte) error {
	<-s.release
	return errors.New("closed")
}

func (s *stuckSocket) WriteControl(int, []byte, time.Time) error {
	<-s.release
	return errors.New("closed")
}

func expectFrame(t *testing.T, sock *fakeSocket) []byte {
	t.Helper()
	select {
	case frame := <-sock.frames:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func expectNoFrame(t *testing.T, sock *fakeSocket) {
	t.Helper()
	select {
	case frame := <-sock.frames:
		t.Fatalf("unexpected frame %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}
