package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(userID string) *Client {
	return &Client{ID: userID + "-conn", UserID: userID, Send: make(chan interface{}, 4)}
}

func TestSendToUserRoutesByUserIDOnly(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	a := newTestClient("user-a")
	b := newTestClient("user-b")
	a.hub, b.hub = hub, hub
	hub.Register(a)
	hub.Register(b)

	env := progressEnvelope("user-a", "t1", 0, "analyzer.run", "RUNNING", "")
	hub.SendToUser("user-a", env)

	select {
	case got := <-a.Send:
		require.Equal(t, EventTaskProgress, got.(Envelope).Type)
	case <-time.After(time.Second):
		t.Fatal("user-a did not receive the event")
	}

	select {
	case <-b.Send:
		t.Fatal("user-b should not receive user-a's event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnregisterClosesSendChannel(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	c := newTestClient("user-a")
	c.hub = hub
	hub.Register(c)
	hub.Unregister(c)

	require.Eventually(t, func() bool {
		_, ok := <-c.Send
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestBroadcastReachesEveryUser(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	a := newTestClient("user-a")
	b := newTestClient("user-b")
	a.hub, b.hub = hub, hub
	hub.Register(a)
	hub.Register(b)

	env := systemNotification("", "t1", "task cancelled by user")

	require.Eventually(t, func() bool { return hub.ConnectionCount() == 2 }, time.Second, 10*time.Millisecond)
	hub.Broadcast(env)

	for _, c := range []*Client{a, b} {
		select {
		case got := <-c.Send:
			require.Equal(t, EventSystemNotification, got.(Envelope).Type)
		case <-time.After(time.Second):
			t.Fatalf("client %s did not receive broadcast", c.UserID)
		}
	}
}

func TestConnectionCountAcrossUsers(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	a := newTestClient("user-a")
	b1 := newTestClient("user-b")
	b2 := newTestClient("user-b")
	a.hub, b1.hub, b2.hub = hub, hub, hub
	hub.Register(a)
	hub.Register(b1)
	hub.Register(b2)

	require.Eventually(t, func() bool { return hub.ConnectionCount() == 3 }, time.Second, 10*time.Millisecond)
}
