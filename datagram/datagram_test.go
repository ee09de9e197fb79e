package datagram

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/NV4RE/gsx1280"
	"github.com/sirupsen/logrus"
)

type rxFrame struct {
	payload []byte
	err     error
}

// mockRadio logs transmissions and replays queued receptions. An empty
// queue behaves like a receive timeout.
type mockRadio struct {
	mu    sync.Mutex
	txLog [][]byte
	rx    []rxFrame
	txErr error

	// onTx runs after each logged transmission.
	onTx func(m *mockRadio, frame []byte)
}

func (m *mockRadio) Transmit(payload []byte) error {
	m.mu.Lock()
	if m.txErr != nil {
		m.mu.Unlock()
		return m.txErr
	}
	frame := append([]byte(nil), payload...)
	m.txLog = append(m.txLog, frame)
	hook := m.onTx
	m.mu.Unlock()

	if hook != nil {
		hook(m, frame)
	}
	return nil
}

func (m *mockRadio) Receive(timeout time.Duration) (gsx1280.ReceivedPacket, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rx) == 0 {
		return gsx1280.ReceivedPacket{}, false, nil
	}
	f := m.rx[0]
	m.rx = m.rx[1:]
	if f.err != nil {
		return gsx1280.ReceivedPacket{}, false, f.err
	}
	return gsx1280.ReceivedPacket{Payload: f.payload, Length: len(f.payload), RSSISync: -42}, true, nil
}

func (m *mockRadio) inject(h Header, payload []byte) {
	m.mu.Lock()
	m.rx = append(m.rx, rxFrame{payload: h.Marshal(payload)})
	m.mu.Unlock()
}

func (m *mockRadio) injectRaw(b []byte, err error) {
	m.mu.Lock()
	m.rx = append(m.rx, rxFrame{payload: b, err: err})
	m.mu.Unlock()
}

func (m *mockRadio) sent() []Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := make([]Header, 0, len(m.txLog))
	for _, f := range m.txLog {
		h, _, _ := Parse(f)
		hs = append(hs, h)
	}
	return hs
}

func testOptions(node, dest byte) Options {
	l := logrus.New()
	l.Out = io.Discard
	return Options{
		Node:        node,
		Destination: dest,
		AckWait:     5 * time.Millisecond,
		AckRetries:  5,
		AckEnabled:  true,
		Rand:        func() float64 { return 0 },
		Logger:      l,
	}
}

// ackOn answers the attempt-th transmission with an ACK from `from`.
func ackOn(attempt int, from byte) func(m *mockRadio, frame []byte) {
	n := 0
	return func(m *mockRadio, frame []byte) {
		n++
		if n != attempt {
			return
		}
		h, _, _ := Parse(frame)
		m.inject(Header{To: h.From, From: from, ID: h.ID, Flags: h.Flags | FlagAck}, []byte("!"))
	}
}

func TestSendReliableRetries(t *testing.T) {
	for attempt := 1; attempt <= 5; attempt++ {
		radio := &mockRadio{onTx: ackOn(attempt, 0x02)}
		node := New(radio, testOptions(0x01, 0x02))

		if err := node.SendReliable([]byte("ping")); err != nil {
			t.Fatalf("ack on attempt %d: SendReliable() error = %v", attempt, err)
		}

		sent := radio.sent()
		if len(sent) != attempt {
			t.Fatalf("ack on attempt %d: %d transmissions", attempt, len(sent))
		}
		for i, h := range sent {
			if h.To != 0x02 || h.From != 0x01 || h.ID != sent[0].ID {
				t.Errorf("attempt %d header = %v", i+1, h)
			}
			if h.IsRetry() != (i > 0) {
				t.Errorf("attempt %d retry flag = %v", i+1, h.IsRetry())
			}
		}
		st := node.Stats()
		if st.Sent != uint64(attempt) || st.Retries != uint64(attempt-1) || st.AcksReceived != 1 {
			t.Errorf("ack on attempt %d: stats = %+v", attempt, st)
		}
	}
}

func TestSendReliableNoAck(t *testing.T) {
	radio := &mockRadio{}
	opts := testOptions(0x01, 0x02)
	opts.AckRetries = 3
	node := New(radio, opts)

	err := node.SendReliable([]byte("ping"))
	if !errors.Is(err, ErrAckNotReceived) {
		t.Fatalf("SendReliable() error = %v", err)
	}
	if n := len(radio.sent()); n != 3 {
		t.Errorf("%d transmissions, want 3", n)
	}
	if st := node.Stats(); st.Retries != 2 || st.AcksReceived != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSendReliableIgnoresForeignAcks(t *testing.T) {
	radio := &mockRadio{}
	radio.onTx = func(m *mockRadio, frame []byte) {
		h, _, _ := Parse(frame)
		if !h.IsRetry() {
			m.inject(Header{To: 0x01, From: 0x03, ID: h.ID, Flags: FlagAck}, nil)
			m.inject(Header{To: 0x01, From: 0x02, ID: h.ID + 1, Flags: FlagAck}, nil)
			m.inject(Header{To: 0x04, From: 0x02, ID: h.ID, Flags: FlagAck}, nil)
			m.inject(Header{To: 0x01, From: 0x02, ID: h.ID}, []byte("not an ack"))
			m.injectRaw([]byte{0x01}, nil)
			m.injectRaw(nil, gsx1280.ErrCRC)
			return
		}
		m.inject(Header{To: 0x01, From: 0x02, ID: h.ID, Flags: FlagAck}, nil)
	}
	node := New(radio, testOptions(0x01, 0x02))

	if err := node.SendReliable([]byte("x")); err != nil {
		t.Fatalf("SendReliable() error = %v", err)
	}
	if n := len(radio.sent()); n != 2 {
		t.Errorf("%d transmissions, want 2", n)
	}
}

func TestSendReliableSequence(t *testing.T) {
	radio := &mockRadio{}
	radio.onTx = func(m *mockRadio, frame []byte) {
		h, _, _ := Parse(frame)
		m.inject(Header{To: h.From, From: h.To, ID: h.ID, Flags: FlagAck}, nil)
	}
	node := New(radio, testOptions(0x01, 0x02))
	for i := 0; i < 3; i++ {
		if err := node.SendReliableTo(0x02, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	sent := radio.sent()
	if sent[0].ID+1 != sent[1].ID || sent[1].ID+1 != sent[2].ID {
		t.Errorf("ids = %d %d %d", sent[0].ID, sent[1].ID, sent[2].ID)
	}
}

func TestSendUsesFreshIDs(t *testing.T) {
	radio := &mockRadio{}
	node := New(radio, testOptions(0x01, 0x02))
	for i := 0; i < 2; i++ {
		if err := node.Send(0x02, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	radio.onTx = func(m *mockRadio, frame []byte) {
		h, _, _ := Parse(frame)
		m.inject(Header{To: h.From, From: h.To, ID: h.ID, Flags: FlagAck}, nil)
	}
	if err := node.SendReliableTo(0x02, []byte{2}); err != nil {
		t.Fatal(err)
	}
	sent := radio.sent()
	if sent[0].ID == sent[1].ID || sent[1].ID == sent[2].ID {
		t.Errorf("ids = %d %d %d", sent[0].ID, sent[1].ID, sent[2].ID)
	}

	// a receiver tracking duplicates keeps both plain datagrams
	peer := &mockRadio{}
	rx := New(peer, testOptions(0x02, 0x01))
	peer.mu.Lock()
	for _, f := range radio.txLog[:2] {
		peer.rx = append(peer.rx, rxFrame{payload: f})
	}
	peer.mu.Unlock()
	for i := 0; i < 2; i++ {
		d, ok, err := rx.ReceiveReliable(20 * time.Millisecond)
		if err != nil || !ok || d.Payload[0] != byte(i) {
			t.Fatalf("datagram %d: %+v, %v, %v", i, d, ok, err)
		}
	}
}

func TestSendBroadcast(t *testing.T) {
	radio := &mockRadio{}
	node := New(radio, testOptions(0x01, Broadcast))
	if err := node.SendReliable([]byte("all")); err != nil {
		t.Fatal(err)
	}
	sent := radio.sent()
	if len(sent) != 1 || sent[0].To != Broadcast || sent[0].Flags != 0 {
		t.Errorf("sent %v", sent)
	}
	if st := node.Stats(); st.Sent != 1 || st.AcksReceived != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSendTransmitError(t *testing.T) {
	radio := &mockRadio{txErr: gsx1280.ErrTxTimeout}
	node := New(radio, testOptions(0x01, 0x02))
	if err := node.SendReliable([]byte("x")); !errors.Is(err, gsx1280.ErrTxTimeout) {
		t.Errorf("SendReliable() error = %v", err)
	}
	if err := node.Send(0x02, []byte("x")); !errors.Is(err, gsx1280.ErrTxTimeout) {
		t.Errorf("Send() error = %v", err)
	}
}

func TestReceiveReliableAcks(t *testing.T) {
	radio := &mockRadio{}
	node := New(radio, testOptions(0x01, 0x02))
	radio.inject(Header{To: 0x01, From: 0x02, ID: 7}, []byte("hi"))

	d, ok, err := node.ReceiveReliable(10 * time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("ReceiveReliable() = %v, %v", ok, err)
	}
	if d.From != 0x02 || d.ID != 7 || string(d.Payload) != "hi" || d.RSSI != -42 {
		t.Errorf("datagram = %+v", d)
	}

	radio.mu.Lock()
	log := radio.txLog
	radio.mu.Unlock()
	want := Header{To: 0x02, From: 0x01, ID: 7, Flags: FlagAck}.Marshal([]byte("!"))
	if len(log) != 1 || !bytes.Equal(log[0], want) {
		t.Errorf("ack frames = % x, want % x", log, want)
	}
	if st := node.Stats(); st.Received != 1 || st.AcksSent != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestReceiveReliableFilters(t *testing.T) {
	radio := &mockRadio{}
	node := New(radio, testOptions(0x01, 0x02))
	radio.inject(Header{To: 0x03, From: 0x02, ID: 1}, []byte("other node"))
	radio.injectRaw([]byte{0x01, 0x02}, nil)
	radio.injectRaw(nil, gsx1280.ErrCRC)
	radio.inject(Header{To: 0x01, From: 0x02, ID: 2, Flags: FlagAck}, []byte("!"))
	radio.inject(Header{To: Broadcast, From: 0x02, ID: 3}, []byte("everyone"))

	d, ok, err := node.ReceiveReliable(10 * time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("ReceiveReliable() = %v, %v", ok, err)
	}
	if d.To != Broadcast || string(d.Payload) != "everyone" {
		t.Errorf("datagram = %+v", d)
	}
	if n := len(radio.sent()); n != 0 {
		t.Errorf("%d frames sent for a broadcast", n)
	}
	if st := node.Stats(); st.Dropped != 4 || st.Received != 1 {
		t.Errorf("stats = %+v", st)
	}

	if _, ok, err := node.ReceiveReliable(time.Millisecond); ok || err != nil {
		t.Errorf("empty ReceiveReliable() = %v, %v", ok, err)
	}
}

func TestReceiveReliableDuplicates(t *testing.T) {
	radio := &mockRadio{}
	node := New(radio, testOptions(0x01, 0x02))
	radio.inject(Header{To: 0x01, From: 0x02, ID: 9}, []byte("a"))
	radio.inject(Header{To: 0x01, From: 0x02, ID: 9, Flags: FlagRetry}, []byte("a"))
	radio.inject(Header{To: 0x01, From: 0x02, ID: 10, Flags: FlagRetry}, []byte("b"))

	for _, want := range []string{"a", "b"} {
		d, ok, err := node.ReceiveReliable(10 * time.Millisecond)
		if err != nil || !ok || string(d.Payload) != want {
			t.Fatalf("ReceiveReliable() = %q, %v, %v, want %q", d.Payload, ok, err, want)
		}
	}
	// the retransmission is acknowledged again so the sender stops
	if n := len(radio.sent()); n != 3 {
		t.Errorf("%d acks sent, want 3", n)
	}
	if st := node.Stats(); st.Duplicates != 1 || st.Received != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestReceiveReliablePromiscuous(t *testing.T) {
	radio := &mockRadio{}
	opts := testOptions(Broadcast, 0x02)
	node := New(radio, opts)
	radio.inject(Header{To: 0x05, From: 0x02, ID: 1}, []byte("sniffed"))

	d, ok, err := node.ReceiveReliable(10 * time.Millisecond)
	if err != nil || !ok || d.To != 0x05 {
		t.Fatalf("ReceiveReliable() = %+v, %v, %v", d, ok, err)
	}
	sent := radio.sent()
	if len(sent) != 1 || sent[0].From != 0x05 || sent[0].To != 0x02 || !sent[0].IsAck() {
		t.Errorf("ack = %v", sent)
	}
}

func TestReceiveReliableAckDisabled(t *testing.T) {
	radio := &mockRadio{}
	opts := testOptions(0x01, 0x02)
	opts.AckEnabled = false
	node := New(radio, opts)
	radio.inject(Header{To: 0x01, From: 0x02, ID: 1}, []byte("quiet"))

	if _, ok, err := node.ReceiveReliable(10 * time.Millisecond); err != nil || !ok {
		t.Fatalf("ReceiveReliable() = %v, %v", ok, err)
	}
	if n := len(radio.sent()); n != 0 {
		t.Errorf("%d frames sent with acks disabled", n)
	}
}

func TestTwoNodes(t *testing.T) {
	a := &mockRadio{}
	b := &mockRadio{}
	nodeB := New(b, testOptions(0x02, 0x01))

	// everything a sends is heard by b, which answers inline
	a.onTx = func(m *mockRadio, frame []byte) {
		b.injectRaw(frame, nil)
		if _, _, err := nodeB.ReceiveReliable(time.Millisecond); err != nil {
			t.Error(err)
		}
		b.mu.Lock()
		replies := b.txLog
		b.txLog = nil
		b.mu.Unlock()
		for _, f := range replies {
			m.injectRaw(f, nil)
		}
	}
	nodeA := New(a, testOptions(0x01, 0x02))

	if err := nodeA.SendReliable([]byte("hello")); err != nil {
		t.Fatalf("SendReliable() error = %v", err)
	}
	if st := nodeB.Stats(); st.Received != 1 || st.AcksSent != 1 {
		t.Errorf("receiver stats = %+v", st)
	}
}
