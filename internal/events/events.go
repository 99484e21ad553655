package events

import (
	"sync"
	"time"
)

// Type labels what happened
type Type string

const (
	TypeGameResult Type = "game_result"
	TypeDonation   Type = "donation"
)

// GameResult is the payload broadcast after a round settles
type GameResult struct {
	Id           string  `json:"id"`
	AmountSent   uint64  `json:"amount_sent"`
	Multiplier   float64 `json:"multiplier"`
	ResultNumber int64   `json:"result_number"`
	TargetNumber int64   `json:"target_number"`
	IsWin        bool    `json:"is_win"`
	Payout       *uint64 `json:"payout"`
	InputTxId    string  `json:"input_tx_id"`
	OutputTxId   *string `json:"output_tx_id"`
	Nonce        *string `json:"nonce"`
	NonceHash    string  `json:"nonce_hash"`
	Timestamp    int64   `json:"timestamp"`
}

// Donation is the payload broadcast for an over-cap deposit
type Donation struct {
	Id        string `json:"id"`
	Amount    uint64 `json:"amount"`
	Sender    string `json:"sender"`
	InputTxId string `json:"input_tx_id"`
	Timestamp int64  `json:"timestamp"`
}

// Event wraps a typed payload
type Event struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload"`
}

const subscriberBufferSize = 100

// Broadcaster fans settlement events out to any number of subscribers.
// Publishing never blocks: a subscriber whose buffer is full misses the
// event. The read surface is not part of the settlement correctness
// argument, so dropping laggards is acceptable.
type Broadcaster struct {
	sync.RWMutex
	subscribers map[uint64]chan Event
	nextId      uint64
}

// NewBroadcaster creates a Broadcaster with no subscribers
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[uint64]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its id and channel
func (b *Broadcaster) Subscribe() (uint64, <-chan Event) {
	b.Lock()
	defer b.Unlock()
	b.nextId++
	ch := make(chan Event, subscriberBufferSize)
	b.subscribers[b.nextId] = ch
	return b.nextId, ch
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Broadcaster) Unsubscribe(id uint64) {
	b.Lock()
	defer b.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Publish delivers the event to every subscriber with buffer room
func (b *Broadcaster) Publish(evt Event) {
	b.RLock()
	defer b.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// Subscriber is lagging, drop the event for it
		}
	}
}

// PublishGameResult is a convenience wrapper for game result events
func (b *Broadcaster) PublishGameResult(result GameResult) {
	b.Publish(Event{Type: TypeGameResult, Payload: result})
}

// PublishDonation is a convenience wrapper for donation events
func (b *Broadcaster) PublishDonation(donation Donation) {
	b.Publish(Event{Type: TypeDonation, Payload: donation})
}

// SubscriberCount returns the number of active subscribers
func (b *Broadcaster) SubscriberCount() int {
	b.RLock()
	defer b.RUnlock()
	return len(b.subscribers)
}

// Now returns a unix timestamp for event payloads
func Now() int64 {
	return time.Now().Unix()
}
