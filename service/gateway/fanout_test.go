package gateway

import (
	"testing"
	"time"
)

func TestFanoutBroadcast(t *testing.T) {
	f := NewFanout(2, 16)
	defer f.Close()

	a := &Client{ID: "ws_a", UserID: "alice", Send: make(chan []byte, 4), done: make(chan struct{})}
	b := &Client{ID: "ws_b", UserID: "bob", Send: make(chan []byte, 4), done: make(chan struct{})}

	f.Broadcast([]*Client{a, b}, []byte("hello"))

	for _, c := range []*Client{a, b} {
		select {
		case got := <-c.Send:
			if string(got) != "hello" {
				t.Fatalf("client %s got %q", c.ID, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("client %s never got the payload", c.ID)
		}
	}
}

func TestFanoutSkipsFullQueues(t *testing.T) {
	f := NewFanout(1, 16)
	defer f.Close()

	slow := &Client{ID: "ws_slow", UserID: "alice", Send: make(chan []byte), done: make(chan struct{})}
	fast := &Client{ID: "ws_fast", UserID: "bob", Send: make(chan []byte, 4), done: make(chan struct{})}

	// Nobody drains slow's queue; the broadcast must not block on it.
	f.Broadcast([]*Client{slow, fast}, []byte("x"))

	select {
	case <-fast.Send:
	case <-time.After(time.Second):
		t.Fatal("fast client starved behind a slow one")
	}
}

func TestBroadcastSurvivesDisconnect(t *testing.T) {
	f := NewFanout(2, 64)
	defer f.Close()

	c := &Client{ID: "ws_c", UserID: "alice", Send: make(chan []byte, 1), done: make(chan struct{})}

	// Hammer the client's queue while it disconnects mid-broadcast. The
	// workers must keep running; a dead client is skipped, never written
	// through a torn-down queue.
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < 1000; i++ {
			f.Broadcast([]*Client{c}, []byte("x"))
		}
	}()
	c.close()
	<-finished

	// Workers are still alive after the churn.
	live := &Client{ID: "ws_live", UserID: "bob", Send: make(chan []byte, 4), done: make(chan struct{})}
	f.Broadcast([]*Client{live}, []byte("still here"))
	select {
	case got := <-live.Send:
		if string(got) != "still here" {
			t.Fatalf("unexpected payload %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("fanout workers died during disconnect churn")
	}
}
