// Package datagram implements RadioHead compatible reliable datagrams on
// top of an SX1280 radio: a four byte addressing header, acknowledgements
// and retransmission with random backoff.
package datagram

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/NV4RE/gsx1280"
	"github.com/sirupsen/logrus"
)

var ErrAckNotReceived = errors.New("datagram: ack not received")

// Radio is the part of *gsx1280.Radio used here.
type Radio interface {
	Transmit(payload []byte) error
	Receive(timeout time.Duration) (gsx1280.ReceivedPacket, bool, error)
}

type Options struct {
	// Node is this station's address. Broadcast accepts every datagram.
	Node byte
	// Destination is used by SendReliable.
	Destination byte

	AckWait    time.Duration // 200ms
	AckRetries int           // 5
	// AckDelay is slept before answering with an ACK.
	AckDelay time.Duration
	// AckEnabled makes ReceiveReliable acknowledge unicast datagrams.
	AckEnabled bool

	// Rand returns a value in [0, 1) used for the retry backoff.
	Rand   func() float64
	Logger logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.AckWait == 0 {
		o.AckWait = 200 * time.Millisecond
	}
	if o.AckRetries == 0 {
		o.AckRetries = 5
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// Datagram is a received frame with its header split off.
type Datagram struct {
	Header
	Payload []byte
	RSSI    float64
	SNR     float64
}

type Stats struct {
	Sent         uint64
	Retries      uint64
	AcksReceived uint64
	AcksSent     uint64
	Received     uint64
	Dropped      uint64
	Duplicates   uint64
}

// Node sends and receives datagrams for one address. It is not safe for
// concurrent use except for Stats.
type Node struct {
	radio Radio
	opts  Options
	log   logrus.FieldLogger

	seq      byte
	lastSeen map[byte]byte

	mu    sync.Mutex
	stats Stats
}

func New(radio Radio, opts Options) *Node {
	opts = opts.withDefaults()
	return &Node{
		radio:    radio,
		opts:     opts,
		log:      opts.Logger.WithField("node", fmt.Sprintf("%02x", opts.Node)),
		lastSeen: make(map[byte]byte),
	}
}

// Stats returns a snapshot of the counters.
func (n *Node) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

func (n *Node) count(f func(s *Stats)) {
	n.mu.Lock()
	f(&n.stats)
	n.mu.Unlock()
}

// Address returns the local node address.
func (n *Node) Address() byte { return n.opts.Node }

// Send transmits payload to without waiting for an acknowledgement.
func (n *Node) Send(to byte, payload []byte) error {
	n.seq++
	h := Header{To: to, From: n.opts.Node, ID: n.seq}
	if err := n.radio.Transmit(h.Marshal(payload)); err != nil {
		return fmt.Errorf("datagram: send: %w", err)
	}
	n.count(func(s *Stats) { s.Sent++ })
	return nil
}

// SendReliable sends payload to the configured destination and waits for
// its acknowledgement.
func (n *Node) SendReliable(payload []byte) error {
	return n.SendReliableTo(n.opts.Destination, payload)
}

// SendReliableTo sends payload to the given address with a fresh sequence
// number. Broadcasts are sent once and never acknowledged. Otherwise the
// datagram is retransmitted with the RETRY flag until an ACK carrying the
// same id arrives from to, up to AckRetries attempts.
func (n *Node) SendReliableTo(to byte, payload []byte) error {
	n.seq++
	h := Header{To: to, From: n.opts.Node, ID: n.seq}

	attempts := n.opts.AckRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			h.Flags |= FlagRetry
			n.count(func(s *Stats) { s.Retries++ })
		}

		err := n.radio.Transmit(h.Marshal(payload))
		if err != nil {
			return fmt.Errorf("datagram: send: %w", err)
		}
		n.count(func(s *Stats) { s.Sent++ })

		if to == Broadcast {
			return nil
		}

		ok, err := n.waitAck(to, h.ID)
		if err != nil {
			return err
		}
		if ok {
			n.count(func(s *Stats) { s.AcksReceived++ })
			return nil
		}

		n.log.WithFields(logrus.Fields{"to": to, "id": h.ID, "attempt": i + 1}).Debug("no ack")
		time.Sleep(time.Duration(float64(n.opts.AckWait) * n.opts.Rand()))
	}

	n.log.WithFields(logrus.Fields{"to": to, "id": h.ID}).Warn("ack not received")
	return ErrAckNotReceived
}

// waitAck listens for up to AckWait for an ACK of id sent by from.
func (n *Node) waitAck(from, id byte) (bool, error) {
	deadline := time.Now().Add(n.opts.AckWait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		pkt, ok, err := n.radio.Receive(remaining)
		if errors.Is(err, gsx1280.ErrCRC) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("datagram: wait ack: %w", err)
		}
		if !ok {
			return false, nil
		}

		h, _, err := Parse(pkt.Payload)
		if err != nil {
			continue
		}
		if h.IsAck() && h.ID == id && h.From == from && n.accepts(h) {
			return true, nil
		}
		n.log.WithField("header", h).Debug("ignored while waiting for ack")
	}
}

func (n *Node) accepts(h Header) bool {
	return n.opts.Node == Broadcast || h.To == Broadcast || h.To == n.opts.Node
}

// ReceiveReliable waits up to timeout for a datagram addressed to this node
// or broadcast, acknowledging it when AckEnabled is set. Frames for other
// nodes, stray ACKs and retransmissions already delivered are dropped
// without ending the wait. ok is false when the timeout passes.
func (n *Node) ReceiveReliable(timeout time.Duration) (Datagram, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Datagram{}, false, nil
		}

		pkt, ok, err := n.radio.Receive(remaining)
		if errors.Is(err, gsx1280.ErrCRC) {
			n.count(func(s *Stats) { s.Dropped++ })
			continue
		}
		if err != nil {
			return Datagram{}, false, fmt.Errorf("datagram: receive: %w", err)
		}
		if !ok {
			return Datagram{}, false, nil
		}

		h, payload, err := Parse(pkt.Payload)
		if err != nil || !n.accepts(h) || h.IsAck() {
			n.count(func(s *Stats) { s.Dropped++ })
			continue
		}

		dup := h.IsRetry() && n.seen(h.From, h.ID)
		n.lastSeen[h.From] = h.ID

		if n.opts.AckEnabled && h.To != Broadcast && h.From != Broadcast {
			if err := n.ack(h); err != nil {
				return Datagram{}, false, err
			}
		}

		if dup {
			n.count(func(s *Stats) { s.Duplicates++ })
			continue
		}
		n.count(func(s *Stats) { s.Received++ })
		return Datagram{Header: h, Payload: payload, RSSI: pkt.RSSISync, SNR: pkt.SNR}, true, nil
	}
}

func (n *Node) seen(from, id byte) bool {
	last, ok := n.lastSeen[from]
	return ok && last == id
}

func (n *Node) ack(h Header) error {
	if n.opts.AckDelay > 0 {
		time.Sleep(n.opts.AckDelay)
	}
	a := Header{To: h.From, From: h.To, ID: h.ID, Flags: h.Flags | FlagAck}
	if err := n.radio.Transmit(a.Marshal([]byte("!"))); err != nil {
		return fmt.Errorf("datagram: ack: %w", err)
	}
	n.count(func(s *Stats) { s.AcksSent++ })
	return nil
}
