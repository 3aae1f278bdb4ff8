// Package bus implements the Event Bus (spec.md §4.2): per-topic
// multi-consumer fan-out decoupling producers (REST handlers, federation
// ingress, presence/typing) from consumers (gateway sessions), with lossy
// back-pressure and a cross-node relay for cluster deployments.
//
// Local fan-out is grounded on the lossy-bounded-channel idiom the teacher
// already uses for gateway.Client.send (a buffered channel with a
// default-case drop on overflow); the cross-node relay is grounded on the
// teacher's internal/gateway/publisher.go + hub.go Valkey pub/sub pair,
// generalized out of the gateway package so non-gateway producers (REST
// writes, federation inbound, presence) publish through one Bus instead of
// each holding a raw connection to Valkey.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// relayChannel is the single Valkey pub/sub channel cross-node dispatch
// envelopes travel over. The topic is carried inside the envelope so one
// channel suffices regardless of topic cardinality.
const relayChannel = "nexus.bus.relay"

// Envelope is one published dispatch: a topic-scoped event with its type
// name and opaque JSON payload.
type Envelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"t"`
	Data  json.RawMessage `json:"d"`
	// Origin identifies the node that produced this envelope, so relay
	// consumers can skip re-delivering to the origin node's own local
	// subscribers (spec.md §4.2's "inherent" cross-node dedup).
	Origin string `json:"origin"`
}

// topicRingSize bounds how many envelopes are buffered per subscriber
// before it is considered a slow consumer and evicted.
const topicRingSize = 256

// subscriber is one consumer's lossy inbox for a single topic subscription.
type subscriber struct {
	ch   chan Envelope
	done chan struct{}
}

// Bus is the in-process + cross-node event bus. The zero value is not
// usable; construct with New.
type Bus struct {
	nodeID string
	rdb    *redis.Client
	log    zerolog.Logger

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{} // topic -> subscriber set
}

// New creates a Bus. rdb may be nil for a single-node deployment, in which
// case publish never leaves the process (spec.md §4.2 "local mode").
func New(nodeID string, rdb *redis.Client, logger zerolog.Logger) *Bus {
	return &Bus{
		nodeID: nodeID,
		rdb:    rdb,
		log:    logger.With().Str("component", "bus").Logger(),
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// Subscription is a live subscriber handle. Call Close when the consumer
// (e.g. a closing gateway session) goes away.
type Subscription struct {
	bus   *Bus
	topic string
	sub   *subscriber
}

// C returns the channel of envelopes for this subscription. The bus never
// blocks sending to it: if the consumer falls behind, the bus drops the
// subscription and signals Done. C itself is never closed, since a publish
// already in flight when eviction happens must not race a send on a closed
// channel; consumers select on both C and Done.
func (s *Subscription) C() <-chan Envelope { return s.sub.ch }

// Done reports when the subscription has been evicted (slow consumer) or
// closed (consumer went away). A consumer ranging over C should select on
// Done too, since C is never closed.
func (s *Subscription) Done() <-chan struct{} { return s.sub.done }

// Close removes the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if set, ok := s.bus.subs[s.topic]; ok {
		if _, present := set[s.sub]; present {
			delete(set, s.sub)
			closeSubscriber(s.sub)
		}
		if len(set) == 0 {
			delete(s.bus.subs, s.topic)
		}
	}
}

func closeSubscriber(sub *subscriber) {
	select {
	case <-sub.done:
	default:
		close(sub.done)
	}
}

// Subscribe registers a new lossy subscriber on topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &subscriber{
		ch:   make(chan Envelope, topicRingSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subs[topic] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return &Subscription{bus: b, topic: topic, sub: sub}
}

// Publish fans an event out to every local subscriber on topic and, if a
// cluster relay is configured, publishes it to every other node too.
// Publish never blocks on a slow consumer: a subscriber whose inbox is full
// is evicted on the spot (spec.md §4.2 local-mode policy).
func (b *Bus) Publish(ctx context.Context, topic, eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal bus payload: %w", err)
	}
	env := Envelope{Topic: topic, Type: eventType, Data: raw, Origin: b.nodeID}

	b.fanOutLocal(topic, env)

	if b.rdb != nil {
		payload, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshal relay envelope: %w", err)
		}
		if err := b.rdb.Publish(ctx, relayChannel, payload).Err(); err != nil {
			return fmt.Errorf("publish to relay: %w", err)
		}
	}
	return nil
}

func (b *Bus) fanOutLocal(topic string, env Envelope) {
	b.mu.RLock()
	set := b.subs[topic]
	targets := make([]*subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	var slow []*subscriber
	for _, sub := range targets {
		select {
		case sub.ch <- env:
		default:
			slow = append(slow, sub)
		}
	}
	if len(slow) == 0 {
		return
	}

	b.mu.Lock()
	if set, ok := b.subs[topic]; ok {
		for _, sub := range slow {
			if _, present := set[sub]; present {
				delete(set, sub)
				closeSubscriber(sub)
			}
		}
	}
	b.mu.Unlock()
}

// Run subscribes to the cross-node relay channel and re-fans every envelope
// not originated by this node into local subscribers. It blocks until ctx is
// cancelled or the underlying subscription fails. Single-node deployments
// (rdb == nil) should not call Run.
func (b *Bus) Run(ctx context.Context) error {
	if b.rdb == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	sub := b.rdb.Subscribe(ctx, relayChannel)
	defer func() { _ = sub.Close() }()

	b.log.Info().Msg("event bus relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handleRelayMessage(msg.Payload)
		}
	}
}

func (b *Bus) handleRelayMessage(payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.log.Warn().Err(err).Msg("invalid relay envelope")
		return
	}
	if env.Origin == b.nodeID {
		// Our own publish already reached local subscribers directly.
		return
	}
	b.fanOutLocal(env.Topic, env)
}

// Topic helpers: keep key construction in one place so producers and
// consumers never drift (spec.md §4.2 topic catalogue).

func ChannelTopic(channelID string) string  { return "channel:" + channelID }
func ServerTopic(serverID string) string    { return "server:" + serverID }
func UserTopic(userID string) string        { return "user:" + userID }
func PresenceTopic(serverID string) string  { return "presence:" + serverID }
