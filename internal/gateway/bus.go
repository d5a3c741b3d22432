package gateway

import (
	"context"
	"log/slog"

	"github.com/example/booking-engine/internal/observability"
)

const busQueueLength = 4096

// subscriber is the bus-side handle of one connection: the bus only ever
// writes encoded frames to send, never closes it.
type subscriber struct {
	send chan []byte
}

func newSubscriber(buffer int) *subscriber {
	return &subscriber{send: make(chan []byte, buffer)}
}

// offer never blocks; a full buffer loses the frame.
func (s *subscriber) offer(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		observability.WSDroppedFrames.Inc()
		return false
	}
}

// Relay carries frames published on this node to the other gateway nodes.
type Relay interface {
	Forward(room string, frame []byte)
}

type opKind int

const (
	opSubscribe opKind = iota
	opUnsubscribe
	opDrop
	opPublish
	opSize
)

type busOp struct {
	kind   opKind
	room   string
	sub    *subscriber
	frame  []byte
	except *subscriber
	reply  chan int
}

// Bus is the room registry. A single goroutine owns every room's member set;
// callers talk to it through one FIFO queue, so operations issued by one
// connection are applied in order.
type Bus struct {
	ops    chan busOp
	done   chan struct{}
	relay  Relay
	logger *slog.Logger

	rooms   map[string]map[*subscriber]struct{}
	members map[*subscriber]map[string]struct{}
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		ops:     make(chan busOp, busQueueLength),
		done:    make(chan struct{}),
		logger:  logger,
		rooms:   make(map[string]map[*subscriber]struct{}),
		members: make(map[*subscriber]map[string]struct{}),
	}
}

// SetRelay must be called before Run.
func (b *Bus) SetRelay(r Relay) { b.relay = r }

// Run processes bus operations until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("gateway bus stopped", "rooms", len(b.rooms), "subscribers", len(b.members))
			return ctx.Err()
		case op := <-b.ops:
			b.apply(op)
		}
	}
}

func (b *Bus) apply(op busOp) {
	switch op.kind {
	case opSubscribe:
		set, ok := b.rooms[op.room]
		if !ok {
			set = make(map[*subscriber]struct{})
			b.rooms[op.room] = set
		}
		set[op.sub] = struct{}{}
		joined, ok := b.members[op.sub]
		if !ok {
			joined = make(map[string]struct{})
			b.members[op.sub] = joined
		}
		joined[op.room] = struct{}{}
	case opUnsubscribe:
		b.remove(op.room, op.sub)
	case opDrop:
		for room := range b.members[op.sub] {
			b.remove(room, op.sub)
		}
		delete(b.members, op.sub)
	case opPublish:
		for sub := range b.rooms[op.room] {
			if sub != op.except {
				sub.offer(op.frame)
			}
		}
	case opSize:
		op.reply <- len(b.rooms[op.room])
	}
}

func (b *Bus) remove(room string, sub *subscriber) {
	if set, ok := b.rooms[room]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.rooms, room)
		}
	}
	if joined, ok := b.members[sub]; ok {
		delete(joined, room)
	}
}

func (b *Bus) enqueue(op busOp) bool {
	select {
	case b.ops <- op:
		return true
	case <-b.done:
		return false
	}
}

func (b *Bus) subscribe(room string, sub *subscriber) {
	b.enqueue(busOp{kind: opSubscribe, room: room, sub: sub})
}

func (b *Bus) unsubscribe(room string, sub *subscriber) {
	b.enqueue(busOp{kind: opUnsubscribe, room: room, sub: sub})
}

// drop removes sub from every room it joined.
func (b *Bus) drop(sub *subscriber) {
	b.enqueue(busOp{kind: opDrop, sub: sub})
}

// Publish fans frame out to every local member of room except the given
// subscriber, then hands it to the relay for the other nodes.
func (b *Bus) Publish(room string, frame []byte, except *subscriber) {
	b.enqueue(busOp{kind: opPublish, room: room, frame: frame, except: except})
	if b.relay != nil {
		b.relay.Forward(room, frame)
	}
}

// Deliver fans out a frame that arrived from another node.
func (b *Bus) Deliver(room string, frame []byte) {
	b.enqueue(busOp{kind: opPublish, room: room, frame: frame})
}

// RoomSize reports the number of local members of room.
func (b *Bus) RoomSize(room string) int {
	reply := make(chan int, 1)
	if !b.enqueue(busOp{kind: opSize, room: room, reply: reply}) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-b.done:
		return 0
	}
}
