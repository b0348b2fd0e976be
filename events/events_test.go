package events

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashlocked/escrowd/log"
	"github.com/stretchr/testify/require"
)

func testEvent(t Type) Event {
	return Event{
		Type:      t,
		OrderHash: common.HexToHash("0x01"),
		Side:      "src",
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := NewBroker(log.GetDefaultLogger())
	ch1, cancel1 := b.Subscribe(4)
	ch2, cancel2 := b.Subscribe(4)
	defer cancel1()
	defer cancel2()

	b.Publish(testEvent(TypeEscrowCreated))
	b.Publish(testEvent(TypeWithdrawal))

	require.Equal(t, TypeEscrowCreated, (<-ch1).Type)
	require.Equal(t, TypeWithdrawal, (<-ch1).Type)
	require.Equal(t, TypeEscrowCreated, (<-ch2).Type)
	require.Equal(t, TypeWithdrawal, (<-ch2).Type)
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := NewBroker(log.GetDefaultLogger())
	ch, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(testEvent(TypeEscrowCreated))
	b.Publish(testEvent(TypeWithdrawal)) // dropped, buffer full

	require.Equal(t, TypeEscrowCreated, (<-ch).Type)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := NewBroker(log.GetDefaultLogger())
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel() // idempotent

	b.Publish(testEvent(TypeEscrowCreated))
	_, open := <-ch
	require.False(t, open)
}

func TestClose(t *testing.T) {
	b := NewBroker(log.GetDefaultLogger())
	ch, _ := b.Subscribe(1)
	b.Close()

	_, open := <-ch
	require.False(t, open)

	// publishing and subscribing after close are harmless
	b.Publish(testEvent(TypeEscrowCreated))
	ch2, cancel2 := b.Subscribe(1)
	cancel2()
	_, open = <-ch2
	require.False(t, open)
}
