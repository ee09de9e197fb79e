package gsx1280

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// frameSize covers the largest frame: a full buffer read plus its header.
const frameSize = BufferSize + 8

// Options tunes the radio. Zero values are replaced by the defaults listed
// next to each field.
type Options struct {
	// DIO is the pin wired to the DIO line selected by DIOLine. When nil
	// completion is detected by polling the IRQ status register.
	DIO gpio.PinIn
	// DIOLine is the chip DIO (1..3) routed to DIO. Default 1.
	DIOLine int
	// TxEnable and RxEnable drive an external RF switch, high while the
	// chip transmits or listens. Either may be nil.
	TxEnable gpio.PinOut
	RxEnable gpio.PinOut

	Logger logrus.FieldLogger
	// OnTimeout is called on every busy timeout and on every failed
	// completion wait of a transmit or ranging exchange.
	OnTimeout func()

	BusyTimeout   time.Duration // 3s
	BusyThreshold int           // 5
	IrqTimeout    time.Duration // 3s, DIO wait for transmit
	PollTimeout   time.Duration // 4s, register poll wait for transmit
	PollInterval  time.Duration // 1ms
	// TxTimeout is programmed into SetTx. Zero leaves the chip without a
	// timeout.
	TxTimeout time.Duration

	// ReadOffset is the index in the response frame where register and
	// buffer read data starts. Default 3.
	ReadOffset int

	ResetHold      time.Duration // 50ms
	ResetSettle    time.Duration // 30ms
	RecoveryHold   time.Duration // 5s
	RecoverySettle time.Duration // 2s

	// DiagLog is a file that gets one line appended per busy recovery.
	// Empty disables it.
	DiagLog string
}

func (o Options) withDefaults() Options {
	if o.DIOLine == 0 {
		o.DIOLine = 1
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.BusyTimeout == 0 {
		o.BusyTimeout = 3 * time.Second
	}
	if o.BusyThreshold == 0 {
		o.BusyThreshold = 5
	}
	if o.IrqTimeout == 0 {
		o.IrqTimeout = 3 * time.Second
	}
	if o.PollTimeout == 0 {
		o.PollTimeout = 4 * time.Second
	}
	if o.PollInterval == 0 {
		o.PollInterval = time.Millisecond
	}
	if o.ReadOffset == 0 {
		o.ReadOffset = 3
	}
	if o.ResetHold == 0 {
		o.ResetHold = 50 * time.Millisecond
	}
	if o.ResetSettle == 0 {
		o.ResetSettle = 30 * time.Millisecond
	}
	if o.RecoveryHold == 0 {
		o.RecoveryHold = 5 * time.Second
	}
	if o.RecoverySettle == 0 {
		o.RecoverySettle = 2 * time.Second
	}
	return o
}

// State is the last mode and packet type the radio was successfully put in.
type State struct {
	Mode       Mode
	PacketType PacketType
}

func (s State) String() string {
	return s.Mode.String() + "/" + s.PacketType.String()
}

// Radio drives one SX1280. Operations block and are not serialized against
// each other; only single bus frames are.
type Radio struct {
	spi   spi.Conn
	busy  gpio.PinIn
	dio   gpio.PinIn
	reset gpio.PinOut
	port  spi.PortCloser

	opts Options
	log  logrus.FieldLogger

	mu     sync.Mutex
	wbuf   [frameSize]byte
	rbuf   [frameSize]byte
	status Status

	state     State
	cfg       *Config
	applied   Config
	ranging   *RangingSession
	receiving bool
	autoFS    bool

	busyTimeouts int
	recovering   bool
}

// New takes ownership of an already connected SPI conn and the control
// pins, resets the chip and waits for it to come up in standby.
func New(conn spi.Conn, busy gpio.PinIn, reset gpio.PinOut, opts Options) (*Radio, error) {
	opts = opts.withDefaults()
	if opts.DIOLine < 1 || opts.DIOLine > 3 {
		return nil, &ConfigError{Field: "DIOLine", Value: opts.DIOLine}
	}
	r := &Radio{
		spi:   conn,
		busy:  busy,
		dio:   opts.DIO,
		reset: reset,
		opts:  opts,
		log:   opts.Logger.WithField("radio", conn.String()),
	}

	err := busy.In(gpio.PullNoChange, gpio.NoEdge)
	if err != nil {
		return nil, fmt.Errorf("gsx1280: busy pin: %w", err)
	}
	if r.dio != nil {
		err = r.dio.In(gpio.PullNoChange, gpio.NoEdge)
		if err != nil {
			return nil, fmt.Errorf("gsx1280: dio pin: %w", err)
		}
	}
	err = reset.Out(gpio.High)
	if err != nil {
		return nil, fmt.Errorf("gsx1280: reset pin: %w", err)
	}
	err = r.switchRF(rfOff)
	if err != nil {
		return nil, err
	}

	err = r.Reset()
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Reset pulses the reset line and waits for the busy line to drop.
func (r *Radio) Reset() error {
	err := r.hardReset(r.opts.ResetHold, r.opts.ResetSettle)
	if err != nil {
		return err
	}
	if !r.busyReady() {
		return r.busyTimedOut()
	}
	r.busyTimeouts = 0
	return nil
}

func (r *Radio) hardReset(hold, settle time.Duration) error {
	err := r.reset.Out(gpio.Low)
	if err != nil {
		return fmt.Errorf("gsx1280: reset: %w", err)
	}
	time.Sleep(hold)
	err = r.reset.Out(gpio.High)
	if err != nil {
		return fmt.Errorf("gsx1280: reset: %w", err)
	}
	time.Sleep(settle)
	r.setMode(ModeStandbyRC)
	r.receiving = false
	r.autoFS = false
	r.ranging = nil
	return r.switchRF(rfOff)
}

// State returns the last mode and packet type confirmed by the chip.
func (r *Radio) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Radio) setMode(m Mode) {
	r.mu.Lock()
	r.state.Mode = m
	r.mu.Unlock()
}

// LastStatus returns the status byte echoed by the most recent frame.
func (r *Radio) LastStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Config returns the configuration last applied with Configure.
func (r *Radio) Config() (Config, bool) {
	if r.cfg == nil {
		return Config{}, false
	}
	return *r.cfg, true
}

// Close puts the chip to sleep and releases the SPI port when the radio
// was created with Open.
func (r *Radio) Close() error {
	err := r.Sleep()
	if r.port != nil {
		if cerr := r.port.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (r *Radio) timedOut() {
	if r.opts.OnTimeout != nil {
		r.opts.OnTimeout()
	}
}
