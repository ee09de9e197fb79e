package gsx1280

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi"
)

// fakeChip answers SPI frames the way an SX1280 does, keeping registers,
// the data buffer and IRQ flags in memory. Hooks run under the chip lock
// and may touch any field directly.
type fakeChip struct {
	mu sync.Mutex

	busy *gpiotest.Pin
	dio  *gpiotest.Pin

	regs       map[uint16]byte
	buf        [BufferSize]byte
	irq        IrqMask
	dioMask    IrqMask
	mode       Mode
	packetType PacketType
	params     []byte
	txBase     byte
	rxBase     byte
	freq       uint32

	cadSymbols   CadSymbols
	rxLen, rxPtr byte
	rssiSync     byte
	snr          byte
	rssiInst     byte

	frames [][]byte
	sent   [][]byte

	onTx  func(c *fakeChip)
	onRx  func(c *fakeChip)
	onCad func(c *fakeChip)
}

func newFakeChip(busy, dio *gpiotest.Pin) *fakeChip {
	return &fakeChip{
		busy: busy,
		dio:  dio,
		regs: make(map[uint16]byte),
		mode: ModeStandbyRC,
	}
}

func (c *fakeChip) String() string      { return "fake-sx1280" }
func (c *fakeChip) Duplex() conn.Duplex { return conn.Full }

func (c *fakeChip) TxPackets(p []spi.Packet) error {
	for _, pk := range p {
		if err := c.Tx(pk.W, pk.R); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeChip) status() byte {
	mode := byte(2)
	switch c.mode {
	case ModeStandbyXOSC:
		mode = 3
	case ModeFS:
		mode = 4
	case ModeRx:
		mode = 5
	case ModeTx:
		mode = 6
	}
	return mode<<5 | byte(CmdSuccess)<<2 | 0x01
}

func (c *fakeChip) Tx(w, r []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.frames = append(c.frames, append([]byte(nil), w...))
	if c.mode == ModeSleep {
		// NSS wakes the chip; the frame itself is lost
		c.mode = ModeStandbyRC
		_ = c.busy.Out(gpio.Low)
		return nil
	}
	for i := range r {
		r[i] = c.status()
	}
	const off = 3
	switch Opcode(w[0]) {
	case OpWriteRegister:
		addr := uint16(w[1])<<8 | uint16(w[2])
		for i, b := range w[3:] {
			c.regs[addr+uint16(i)] = b
		}
	case OpReadRegister:
		addr := uint16(w[1])<<8 | uint16(w[2])
		for i := off; i < len(r); i++ {
			r[i] = c.regs[addr+uint16(i-off)]
		}
	case OpWriteBuffer:
		for i, b := range w[2:] {
			c.buf[w[1]+byte(i)] = b
		}
	case OpReadBuffer:
		for i := off; i < len(r); i++ {
			r[i] = c.buf[w[1]+byte(i-off)]
		}
	case OpGetIrqStatus:
		r[2], r[3] = byte(c.irq>>8), byte(c.irq)
	case OpClrIrqStatus:
		c.irq &^= IrqMask(w[1])<<8 | IrqMask(w[2])
		c.updateDIO()
	case OpSetDioIrqParams:
		c.dioMask = IrqMask(w[3])<<8 | IrqMask(w[4])
	case OpGetRxBufferStatus:
		r[2], r[3] = c.rxLen, c.rxPtr
	case OpGetPacketStatus:
		r[2], r[3] = c.rssiSync, c.snr
	case OpGetRssiInst:
		r[2] = c.rssiInst
	case OpGetPacketType:
		r[2] = byte(c.packetType)
	case OpSetPacketType:
		c.packetType = PacketType(w[1])
	case OpSetPacketParams:
		c.params = append([]byte(nil), w[1:]...)
	case OpSetBufferBase:
		c.txBase, c.rxBase = w[1], w[2]
	case OpSetRfFrequency:
		c.freq = uint32(w[1])<<16 | uint32(w[2])<<8 | uint32(w[3])
	case OpSetStandby:
		c.mode = ModeStandbyRC
		if w[1] == byte(StandbyXOSC) {
			c.mode = ModeStandbyXOSC
		}
	case OpSetFS:
		c.mode = ModeFS
	case OpSetSleep:
		c.mode = ModeSleep
		_ = c.busy.Out(gpio.High)
	case OpSetCadParams:
		c.cadSymbols = CadSymbols(w[1])
	case OpSetCad:
		c.mode = ModeRx
		if c.onCad != nil {
			c.onCad(c)
		} else {
			c.mode = ModeStandbyRC
			c.raise(IrqCadDone)
		}
	case OpSetTx:
		c.mode = ModeTx
		if c.packetType != PacketRanging {
			c.sent = append(c.sent, append([]byte(nil), c.buf[c.txBase:int(c.txBase)+c.length()]...))
		}
		if c.onTx != nil {
			c.onTx(c)
		} else {
			c.mode = ModeStandbyRC
			c.raise(IrqTxDone)
		}
	case OpSetRx:
		c.mode = ModeRx
		if c.onRx != nil {
			c.onRx(c)
		}
	}
	return nil
}

// length returns the payload length from the last packet parameters.
func (c *fakeChip) length() int {
	if len(c.params) < 5 {
		return 0
	}
	if c.packetType == PacketFLRC {
		return int(c.params[4])
	}
	return int(c.params[2])
}

func (c *fakeChip) raise(m IrqMask) {
	c.irq |= m
	c.updateDIO()
}

func (c *fakeChip) updateDIO() {
	if c.dio == nil {
		return
	}
	l := gpio.Low
	if c.irq&c.dioMask != 0 {
		l = gpio.High
	}
	_ = c.dio.Out(l)
}

// deliver places payload in the RX area and raises RxDone.
func (c *fakeChip) deliver(payload []byte) {
	for i, b := range payload {
		c.buf[c.rxBase+byte(i)] = b
	}
	c.rxPtr = c.rxBase
	c.rxLen = byte(len(payload))
	c.mode = ModeStandbyRC
	c.raise(IrqRxDone)
}

// powerOn is what the reset line does to the chip.
func (c *fakeChip) powerOn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = ModeStandbyRC
	c.irq = 0
	c.updateDIO()
	_ = c.busy.Out(gpio.Low)
}

func (c *fakeChip) stick() {
	_ = c.busy.Out(gpio.High)
}

func (c *fakeChip) opcodes() []Opcode {
	c.mu.Lock()
	defer c.mu.Unlock()
	ops := make([]Opcode, len(c.frames))
	for i, f := range c.frames {
		ops[i] = Opcode(f[0])
	}
	return ops
}

func (c *fakeChip) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeChip) resetFrames() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

func (c *fakeChip) reg(addr Register) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[uint16(addr)]
}

func (c *fakeChip) setReg(addr Register, data ...byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range data {
		c.regs[uint16(addr)+uint16(i)] = b
	}
}

// resetPin powers the fake chip back on when the line is pulled low.
type resetPin struct {
	*gpiotest.Pin
	chip   *fakeChip
	pulses int
}

func (p *resetPin) Out(l gpio.Level) error {
	if l == gpio.Low {
		p.pulses++
		p.chip.powerOn()
	}
	return p.Pin.Out(l)
}

type testRig struct {
	radio *Radio
	chip  *fakeChip
	reset *resetPin
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

func fastOptions(opts Options) Options {
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = 5 * time.Millisecond
	}
	if opts.IrqTimeout == 0 {
		opts.IrqTimeout = 50 * time.Millisecond
	}
	if opts.PollTimeout == 0 {
		opts.PollTimeout = 50 * time.Millisecond
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 100 * time.Microsecond
	}
	opts.ResetHold = time.Microsecond
	opts.ResetSettle = time.Microsecond
	opts.RecoveryHold = time.Microsecond
	opts.RecoverySettle = time.Microsecond
	return opts
}

// newRig builds a radio on a fake chip. With withDIO the chip's DIO1 is
// wired to Options.DIO, otherwise completion is polled.
func newRig(t *testing.T, withDIO bool, opts Options) *testRig {
	t.Helper()
	busy := &gpiotest.Pin{N: "BUSY", Num: 1}
	dio := &gpiotest.Pin{N: "DIO1", Num: 2}
	chip := newFakeChip(busy, dio)
	reset := &resetPin{Pin: &gpiotest.Pin{N: "RESET", Num: 3}, chip: chip}

	opts = fastOptions(opts)
	if withDIO {
		opts.DIO = dio
	}
	r, err := New(chip, busy, reset, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &testRig{radio: r, chip: chip, reset: reset}
}

func (rig *testRig) configure(t *testing.T, cfg Config) {
	t.Helper()
	if err := rig.radio.Configure(cfg); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	rig.chip.resetFrames()
}
