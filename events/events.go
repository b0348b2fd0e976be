// Package events implements the fire-and-forget notification sink off-chain
// relayers consume. Delivery is best effort: slow subscribers drop events
// instead of blocking escrow operations.
package events

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/hashlocked/escrowd/log"
)

// Type tags an event with the operation that produced it.
type Type string

const (
	TypeEscrowCreated   Type = "escrow-created"
	TypeWithdrawal      Type = "withdrawal"
	TypeEscrowCancelled Type = "escrow-cancelled"
	TypeFundsRescued    Type = "funds-rescued"
)

// Event is one registry notification. Secret is set on withdrawals only,
// which is the moment the preimage becomes public. Token and Amount are set
// on rescues only.
type Event struct {
	Type      Type           `json:"type"`
	OrderHash common.Hash    `json:"order_hash"`
	Side      string         `json:"side"`
	Caller    common.Address `json:"caller"`
	Secret    hexutil.Bytes  `json:"secret,omitempty"`
	Token     string         `json:"token,omitempty"`
	Amount    *big.Int       `json:"amount,omitempty"`
}

// Broker fans events out to subscribers.
type Broker struct {
	logger *log.Logger

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroker builds an empty broker.
func NewBroker(logger *log.Logger) *Broker {
	return &Broker{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a subscriber with the given channel buffer. The cancel
// function removes the subscription and closes the channel; it is safe to
// call more than once.
func (b *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer room and
// drops it for the rest.
func (b *Broker) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warnf("dropping %s event for slow subscriber %d", event.Type, id)
		}
	}
}

// Close removes every subscription and closes their channels. Publishing
// after Close is a no-op.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
