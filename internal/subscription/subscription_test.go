package subscription

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orionmesh/relay/internal/idtypes"
	"github.com/orionmesh/relay/internal/protocol"
)

func TestPublishFansOutToTopicSubscribers(t *testing.T) {
	bus := New()
	topic := protocol.ChatTopic("room")

	ev1, un1 := bus.Subscribe(topic, 1)
	ev2, un2 := bus.Subscribe(topic, 2)
	defer un1()
	defer un2()

	require.Equal(t, 2, bus.Publish(topic, []byte("m")))
	require.Equal(t, []byte("m"), <-ev1)
	require.Equal(t, []byte("m"), <-ev2)
}

func TestPublishIgnoresOtherTopics(t *testing.T) {
	bus := New()
	ev, un := bus.Subscribe(protocol.ChatTopic("a"), 1)
	defer un()

	require.Equal(t, 0, bus.Publish(protocol.ChatTopic("b"), []byte("m")))
	select {
	case <-ev:
		t.Fatal("event leaked across topics")
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New()
	topic := protocol.ProfileTopic(idtypes.Identity{1})
	_, un := bus.Subscribe(topic, 1)
	un()
	require.Equal(t, 0, bus.Publish(topic, []byte("m")))
}

func TestPublishSkipsFullChannel(t *testing.T) {
	bus := New()
	topic := protocol.ChatTopic("room")
	_, un := bus.Subscribe(topic, 1)
	defer un()

	for i := 0; i < Capacity; i++ {
		require.Equal(t, 1, bus.Publish(topic, []byte{byte(i)}))
	}
	// Channel is full: the subscriber is overwhelmed and the delivery is
	// counted as refused.
	require.Equal(t, 0, bus.Publish(topic, []byte("overflow")))
}

func TestPushToCircuitTargetsOneCircuit(t *testing.T) {
	bus := New()
	topic := protocol.ProfileTopic(idtypes.Identity{2})
	ev1, un1 := bus.Subscribe(topic, 7)
	ev2, un2 := bus.Subscribe(topic, 8)
	defer un1()
	defer un2()

	require.True(t, bus.PushToCircuit(7, []byte("direct")))
	require.Equal(t, []byte("direct"), <-ev1)
	select {
	case <-ev2:
		t.Fatal("push leaked to another circuit")
	default:
	}

	require.False(t, bus.PushToCircuit(99, []byte("nobody")))
}

func TestChatAndProfileTopicsDoNotCollide(t *testing.T) {
	bus := New()
	// A profile whose identity bytes spell a chat name must not receive
	// that chat's events.
	var id idtypes.Identity
	copy(id[:], "room")
	evp, unp := bus.Subscribe(protocol.ProfileTopic(id), 1)
	defer unp()

	bus.Publish(protocol.ChatTopic("room"), []byte("m"))
	select {
	case <-evp:
		t.Fatal("chat event delivered to profile subscriber")
	default:
	}
}
