package registry

import (
	"context"
	"testing"
	"time"

	"github.com/symphainy/gateway/pkg/protocol"
)

func register(t *testing.T, m *Memory, connID, instanceID string) {
	t.Helper()
	err := m.Register(context.Background(), Registration{
		ConnID:     connID,
		InstanceID: instanceID,
		Identity:   "user-" + connID,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("Register(%s) failed: %v", connID, err)
	}
}

func TestRegister_Idempotent(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	register(t, m, "c1", "gw-a")
	if err := m.Subscribe(ctx, "c1", protocol.ChannelGuide); err != nil {
		t.Fatal(err)
	}

	// A duplicate accept-retry must not wipe subscriptions.
	register(t, m, "c1", "gw-a")

	subs, err := m.Subscriptions(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0] != protocol.ChannelGuide {
		t.Errorf("expected [guide] after re-register, got %v", subs)
	}
}

func TestSubscribe_UnknownChannel(t *testing.T) {
	m := NewMemory(time.Minute)
	register(t, m, "c1", "gw-a")

	err := m.Subscribe(context.Background(), "c1", "pillar:billing")
	if err != protocol.ErrUnknownChannel {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestSubscribe_UnregisteredConn(t *testing.T) {
	m := NewMemory(time.Minute)
	if err := m.Subscribe(context.Background(), "ghost", protocol.ChannelGuide); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscribersOf_CrossInstanceAndOrdered(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	register(t, m, "c2", "gw-b")
	register(t, m, "c1", "gw-a")
	register(t, m, "c3", "gw-a")

	for _, id := range []string{"c1", "c2", "c3"} {
		if err := m.Subscribe(ctx, id, protocol.ChannelInsights); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Subscribe(ctx, "c1", protocol.ChannelGuide); err != nil {
		t.Fatal(err)
	}

	subs, err := m.SubscribersOf(ctx, protocol.ChannelInsights)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 3 {
		t.Fatalf("expected 3 subscribers, got %d", len(subs))
	}
	for i, want := range []Subscriber{
		{ConnID: "c1", InstanceID: "gw-a"},
		{ConnID: "c2", InstanceID: "gw-b"},
		{ConnID: "c3", InstanceID: "gw-a"},
	} {
		if subs[i] != want {
			t.Errorf("subscriber %d: expected %+v, got %+v", i, want, subs[i])
		}
	}

	guide, err := m.SubscribersOf(ctx, protocol.ChannelGuide)
	if err != nil {
		t.Fatal(err)
	}
	if len(guide) != 1 || guide[0].ConnID != "c1" {
		t.Errorf("expected only c1 on guide, got %v", guide)
	}
}

func TestTouch_ExtendsTTL(t *testing.T) {
	m := NewMemory(150 * time.Millisecond)
	ctx := context.Background()

	register(t, m, "c1", "gw-a")

	// Keep touching past the original TTL.
	for i := 0; i < 3; i++ {
		time.Sleep(80 * time.Millisecond)
		if err := m.Touch(ctx, "c1"); err != nil {
			t.Fatalf("Touch failed on round %d: %v", i, err)
		}
	}

	if _, err := m.Subscriptions(ctx, "c1"); err != nil {
		t.Errorf("connection should still be live after touches: %v", err)
	}
}

func TestTTL_ExpiresWithoutTouch(t *testing.T) {
	m := NewMemory(50 * time.Millisecond)
	ctx := context.Background()

	register(t, m, "c1", "gw-a")
	if err := m.Subscribe(ctx, "c1", protocol.ChannelContent); err != nil {
		t.Fatal(err)
	}

	time.Sleep(80 * time.Millisecond)

	if err := m.Touch(ctx, "c1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after expiry, got %v", err)
	}
	subs, err := m.SubscribersOf(ctx, protocol.ChannelContent)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 0 {
		t.Errorf("expected no subscribers after expiry, got %v", subs)
	}
}

func TestDeregister_RemovesSubscriptionsAndIsIdempotent(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	register(t, m, "c1", "gw-a")
	if err := m.Subscribe(ctx, "c1", protocol.ChannelOperations); err != nil {
		t.Fatal(err)
	}

	if err := m.Deregister(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Deregister(ctx, "c1"); err != nil {
		t.Errorf("deregister must be idempotent, got %v", err)
	}

	subs, err := m.SubscribersOf(ctx, protocol.ChannelOperations)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 0 {
		t.Errorf("expected no subscribers after deregister, got %v", subs)
	}
}

func TestUnsubscribe(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx := context.Background()

	register(t, m, "c1", "gw-a")
	if err := m.Subscribe(ctx, "c1", protocol.ChannelGuide); err != nil {
		t.Fatal(err)
	}
	if err := m.Unsubscribe(ctx, "c1", protocol.ChannelGuide); err != nil {
		t.Fatal(err)
	}
	subs, err := m.Subscriptions(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 0 {
		t.Errorf("expected no subscriptions, got %v", subs)
	}
}

func TestBroadcastListen(t *testing.T) {
	m := NewMemory(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Frame, 2)
	if err := m.Listen(ctx, "gw-b", func(f Frame) { got <- f }); err != nil {
		t.Fatal(err)
	}

	frame := Frame{Channel: protocol.ChannelGuide, Content: []byte(`{"x":1}`), Origin: "gw-a"}
	if err := m.Broadcast(ctx, "gw-b", frame); err != nil {
		t.Fatal(err)
	}
	// Frames for other instances must not arrive here.
	if err := m.Broadcast(ctx, "gw-c", frame); err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-got:
		if f.Channel != protocol.ChannelGuide || f.Origin != "gw-a" {
			t.Errorf("unexpected frame %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}

	select {
	case f := <-got:
		t.Errorf("received frame addressed to another instance: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}
