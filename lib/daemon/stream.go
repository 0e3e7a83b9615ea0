/*
Copyright 2024 ComputeHQ, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package daemon

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	gateway "github.com/computehq/compute-gateway"
	"github.com/computehq/compute-gateway/lib/defaults"
)

// OverflowPolicy decides what happens when a subscription's buffer
// fills up faster than the consumer drains it.
type OverflowPolicy int

const (
	// CloseOnOverflow terminates the subscription. Command output must
	// never be silently dropped, a gap is worse than an error.
	CloseOnOverflow OverflowPolicy = iota
	// DropOldest evicts the oldest buffered envelope. Best-effort
	// signal streams prefer fresh events over complete ones.
	DropOldest
)

// Subscription is a single channel subscription on a stream.
type Subscription struct {
	// C delivers envelopes in publish order. Closed when the
	// subscription ends.
	C <-chan Envelope

	channel string
	ch      chan Envelope
	policy  OverflowPolicy

	mu     sync.Mutex
	closed bool
	err    error
}

// Err reports why the subscription ended, nil on graceful close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// deliver routes one envelope according to the overflow policy and
// reports whether the subscription survived.
func (s *Subscription) deliver(env Envelope) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	select {
	case s.ch <- env:
		s.mu.Unlock()
		return true
	default:
	}
	if s.policy == DropOldest {
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- env:
		default:
		}
		s.mu.Unlock()
		return true
	}
	// Command streams close rather than drop.
	s.closed = true
	s.err = trace.LimitExceeded("subscriber too slow on channel %q", s.channel)
	close(s.ch)
	s.mu.Unlock()
	return false
}

// StreamConfig configures an envelope stream.
type StreamConfig struct {
	// Conn is the websocket connection to the daemon.
	Conn *websocket.Conn
	// Log is the logger.
	Log *logrus.Entry
}

// CheckAndSetDefaults validates the config.
func (c *StreamConfig) CheckAndSetDefaults() error {
	if c.Conn == nil {
		return trace.BadParameter("missing parameter Conn")
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			gateway.ComponentKey: gateway.ComponentDaemon,
		})
	}
	return nil
}

// Stream multiplexes daemon envelopes over one websocket connection.
// A single reader goroutine fans envelopes out to per-channel bounded
// buffers, so a stuck consumer can never stall the connection or the
// other channels.
type Stream struct {
	conn *websocket.Conn
	log  *logrus.Entry

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]*Subscription
	acks   map[string]chan struct{}
	closed bool
	err    error
}

// NewStream starts a stream over an established daemon connection.
func NewStream(cfg StreamConfig) (*Stream, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Stream{
		conn: cfg.Conn,
		log:  cfg.Log,
		subs: make(map[string]*Subscription),
		acks: make(map[string]chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Subscribe joins a channel and waits for the daemon's acknowledgement
// before returning. Nothing published after the ack can be missed.
func (s *Stream) Subscribe(ctx context.Context, channel string, policy OverflowPolicy) (*Subscription, error) {
	if channel == "" {
		return nil, trace.BadParameter("missing parameter channel")
	}
	sub := &Subscription{
		channel: channel,
		ch:      make(chan Envelope, defaults.WSOutboundQueueLen),
		policy:  policy,
	}
	sub.C = sub.ch
	ack := make(chan struct{})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, trace.ConnectionProblem(s.err, "stream is closed")
	}
	if _, ok := s.subs[channel]; ok {
		s.mu.Unlock()
		return nil, trace.AlreadyExists("already subscribed to %q", channel)
	}
	s.subs[channel] = sub
	s.acks[channel] = ack
	s.mu.Unlock()

	err := s.Send(Envelope{Type: defaults.WebsocketSubscribe, Channel: channel})
	if err != nil {
		s.dropSubscription(channel)
		return nil, trace.Wrap(err)
	}

	select {
	case <-ack:
		return sub, nil
	case <-ctx.Done():
		s.dropSubscription(channel)
		return nil, trace.Wrap(ctx.Err())
	}
}

// Unsubscribe leaves a channel and closes its subscription.
func (s *Stream) Unsubscribe(channel string) error {
	s.dropSubscription(channel)
	return trace.Wrap(s.Send(Envelope{Type: defaults.WebsocketUnsubscribe, Channel: channel}))
}

// Send writes one envelope to the daemon.
func (s *Stream) Send(env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return trace.Wrap(err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(defaults.WSWriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return trace.ConnectionProblem(err, "daemon stream write failed")
	}
	return nil
}

// StreamCommand runs the full two-phase protocol: create the pending
// command, subscribe to its channel, then release it with
// command:start. Output arrives on the returned subscription as
// command:stdout, command:stderr and finally command:exit.
func (s *Stream) StreamCommand(ctx context.Context, client *Client, req CommandRequest) (*PendingCommand, *Subscription, error) {
	pending, err := client.StartCommand(ctx, req)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	sub, err := s.Subscribe(ctx, pending.Channel, CloseOnOverflow)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	err = s.Send(Envelope{
		Type:    defaults.WebsocketCommandStart,
		Channel: pending.Channel,
		CmdID:   pending.CmdID,
	})
	if err != nil {
		s.dropSubscription(pending.Channel)
		return nil, nil, trace.Wrap(err)
	}
	return pending, sub, nil
}

// Close shuts the stream down and ends every subscription.
func (s *Stream) Close() error {
	s.finish(nil)
	return s.conn.Close()
}

func (s *Stream) dropSubscription(channel string) {
	s.mu.Lock()
	sub := s.subs[channel]
	delete(s.subs, channel)
	delete(s.acks, channel)
	s.mu.Unlock()
	if sub != nil {
		sub.close(nil)
	}
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	subs := s.subs
	s.subs = make(map[string]*Subscription)
	s.acks = make(map[string]chan struct{})
	s.mu.Unlock()
	for _, sub := range subs {
		sub.close(err)
	}
}

func (s *Stream) readLoop() {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			s.log.WithError(err).Warn("Dropping malformed daemon envelope.")
			continue
		}
		s.dispatch(env)
	}
}

func (s *Stream) dispatch(env Envelope) {
	if env.Type == defaults.WebsocketSubscribe {
		// Subscription ack from the daemon.
		s.mu.Lock()
		ack := s.acks[env.Channel]
		delete(s.acks, env.Channel)
		s.mu.Unlock()
		if ack != nil {
			close(ack)
		}
		return
	}
	if env.Type == defaults.WebsocketConnected || env.Channel == "" {
		return
	}
	s.mu.Lock()
	sub := s.subs[env.Channel]
	s.mu.Unlock()
	if sub == nil {
		return
	}
	if !sub.deliver(env) {
		s.log.WithField("channel", env.Channel).Warn("Closed slow subscriber.")
		s.mu.Lock()
		delete(s.subs, env.Channel)
		s.mu.Unlock()
	}
}
