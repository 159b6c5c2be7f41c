// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// SubAckFailure is the SUBACK return code for a rejected filter.
const SubAckFailure = 0x80

// Connect is a CONNECT packet received by the broker.
type Connect struct {
	ClientID     string
	Username     string
	CleanSession bool
	KeepAlive    uint16
}

// Subscribe is a SUBSCRIBE packet received by the broker, filters in wire order.
type Subscribe struct {
	PacketID uint16
	Filters  []string
	QoS      []byte
}

// Message is a PUBLISH packet received by the broker.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	Dup      bool
	PacketID uint16
}

// Broker is a scripted MQTT 3.1.1 broker. Each test decides the CONNACK,
// which filters a SUBACK rejects and whether acknowledgements are sent.
type Broker struct {
	t  testing.TB
	ln net.Listener

	// Addr is the host:port the broker listens on.
	Addr string

	mu             sync.Mutex
	sessionPresent bool
	returnCode     byte
	failing        map[string]bool
	holdAcks       bool
	ignorePings    bool
	conns          map[net.Conn]struct{}

	connects     chan Connect
	subscribes   chan Subscribe
	unsubscribes chan []string
	publishes    chan Message
	disconnects  chan struct{}
}

// NewBroker starts a broker on a loopback port. A non-nil cfg serves TLS.
func NewBroker(t testing.TB, cfg *tls.Config) *Broker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("broker listen: %v", err)
	}
	if cfg != nil {
		ln = tls.NewListener(ln, cfg)
	}

	b := &Broker{
		t:            t,
		ln:           ln,
		Addr:         ln.Addr().String(),
		failing:      make(map[string]bool),
		conns:        make(map[net.Conn]struct{}),
		connects:     make(chan Connect, 16),
		subscribes:   make(chan Subscribe, 16),
		unsubscribes: make(chan []string, 16),
		publishes:    make(chan Message, 64),
		disconnects:  make(chan struct{}, 16),
	}
	go b.acceptLoop()
	t.Cleanup(b.Close)
	return b
}

// SetSessionPresent sets the session-present flag of the next CONNACKs.
func (b *Broker) SetSessionPresent(present bool) {
	b.mu.Lock()
	b.sessionPresent = present
	b.mu.Unlock()
}

// SetReturnCode sets the return code of the next CONNACKs.
func (b *Broker) SetReturnCode(code byte) {
	b.mu.Lock()
	b.returnCode = code
	b.mu.Unlock()
}

// FailFilters makes SUBACK reject the given filters.
func (b *Broker) FailFilters(filters ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range filters {
		b.failing[f] = true
	}
}

// HoldAcks stops the broker acknowledging SUBSCRIBE, UNSUBSCRIBE and PUBLISH.
func (b *Broker) HoldAcks(hold bool) {
	b.mu.Lock()
	b.holdAcks = hold
	b.mu.Unlock()
}

// IgnorePings stops the broker answering PINGREQ.
func (b *Broker) IgnorePings(ignore bool) {
	b.mu.Lock()
	b.ignorePings = ignore
	b.mu.Unlock()
}

// Connects returns received CONNECT packets.
func (b *Broker) Connects() <-chan Connect { return b.connects }

// Subscribes returns received SUBSCRIBE packets.
func (b *Broker) Subscribes() <-chan Subscribe { return b.subscribes }

// Unsubscribes returns the filters of received UNSUBSCRIBE packets.
func (b *Broker) Unsubscribes() <-chan []string { return b.unsubscribes }

// Publishes returns received PUBLISH packets.
func (b *Broker) Publishes() <-chan Message { return b.publishes }

// Disconnects signals every DISCONNECT packet.
func (b *Broker) Disconnects() <-chan struct{} { return b.disconnects }

// WaitConnect waits for the next CONNECT.
func (b *Broker) WaitConnect(timeout time.Duration) Connect {
	b.t.Helper()
	select {
	case c := <-b.connects:
		return c
	case <-time.After(timeout):
		b.t.Fatalf("no CONNECT within %v", timeout)
		return Connect{}
	}
}

// WaitSubscribe waits for the next SUBSCRIBE.
func (b *Broker) WaitSubscribe(timeout time.Duration) Subscribe {
	b.t.Helper()
	select {
	case s := <-b.subscribes:
		return s
	case <-time.After(timeout):
		b.t.Fatalf("no SUBSCRIBE within %v", timeout)
		return Subscribe{}
	}
}

// WaitPublish waits for the next PUBLISH.
func (b *Broker) WaitPublish(timeout time.Duration) Message {
	b.t.Helper()
	select {
	case m := <-b.publishes:
		return m
	case <-time.After(timeout):
		b.t.Fatalf("no PUBLISH within %v", timeout)
		return Message{}
	}
}

// Deliver sends a QoS 0 PUBLISH to every connected client.
func (b *Broker) Deliver(topic string, payload []byte) {
	pub := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	pub.TopicName = topic
	pub.Payload = payload

	for _, conn := range b.snapshot() {
		_ = send(conn, pub)
	}
}

// DropConnections closes every client connection without a DISCONNECT.
func (b *Broker) DropConnections() {
	for _, conn := range b.snapshot() {
		conn.Close()
	}
}

// Connections returns the number of open client connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Close stops the broker and closes every connection.
func (b *Broker) Close() {
	b.ln.Close()
	b.DropConnections()
}

func (b *Broker) snapshot() []net.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns := make([]net.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	return conns
}

func (b *Broker) acceptLoop() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns[conn] = struct{}{}
		b.mu.Unlock()
		go b.serve(conn)
	}
}

func (b *Broker) serve(conn net.Conn) {
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	for {
		pkt, err := packets.ReadPacket(conn)
		if err != nil {
			return
		}
		// Any error, including a scripted hang-up, ends the connection.
		if err := b.handle(conn, pkt); err != nil {
			return
		}
	}
}

func (b *Broker) handle(conn net.Conn, pkt packets.ControlPacket) error {
	b.mu.Lock()
	present, code, hold, ignorePings := b.sessionPresent, b.returnCode, b.holdAcks, b.ignorePings
	b.mu.Unlock()

	switch p := pkt.(type) {
	case *packets.ConnectPacket:
		c := Connect{
			ClientID:     p.ClientIdentifier,
			CleanSession: p.CleanSession,
			KeepAlive:    p.Keepalive,
		}
		if p.UsernameFlag {
			c.Username = p.Username
		}
		offer(b.connects, c)

		ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
		ack.ReturnCode = code
		ack.SessionPresent = present && code == packets.Accepted
		if err := send(conn, ack); err != nil {
			return err
		}
		if code != packets.Accepted {
			return io.EOF
		}

	case *packets.SubscribePacket:
		offer(b.subscribes, Subscribe{
			PacketID: p.MessageID,
			Filters:  p.Topics,
			QoS:      p.Qoss,
		})
		if hold {
			return nil
		}
		ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
		ack.MessageID = p.MessageID
		b.mu.Lock()
		for i, f := range p.Topics {
			if b.failing[f] {
				ack.ReturnCodes = append(ack.ReturnCodes, SubAckFailure)
				continue
			}
			ack.ReturnCodes = append(ack.ReturnCodes, p.Qoss[i])
		}
		b.mu.Unlock()
		return send(conn, ack)

	case *packets.UnsubscribePacket:
		offer(b.unsubscribes, p.Topics)
		if hold {
			return nil
		}
		ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
		ack.MessageID = p.MessageID
		return send(conn, ack)

	case *packets.PublishPacket:
		offer(b.publishes, Message{
			Topic:    p.TopicName,
			Payload:  bytes.Clone(p.Payload),
			QoS:      p.Qos,
			Retain:   p.Retain,
			Dup:      p.Dup,
			PacketID: p.MessageID,
		})
		if p.Qos == 0 || hold {
			return nil
		}
		ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
		ack.MessageID = p.MessageID
		return send(conn, ack)

	case *packets.PingreqPacket:
		if ignorePings {
			return nil
		}
		return send(conn, packets.NewControlPacket(packets.Pingresp))

	case *packets.DisconnectPacket:
		offer(b.disconnects, struct{}{})
		return io.EOF

	default:
		return fmt.Errorf("unexpected packet %s", pkt.String())
	}
	return nil
}

// send writes pkt with a single Write so concurrent senders do not
// interleave.
func send(conn net.Conn, pkt packets.ControlPacket) error {
	var buf bytes.Buffer
	if err := pkt.Write(&buf); err != nil {
		return err
	}
	_, err := conn.Write(buf.Bytes())
	return err
}

// offer records an event without stalling the connection when nobody reads.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}
