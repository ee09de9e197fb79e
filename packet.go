package gsx1280

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// ReceivedPacket is one frame read out of the data buffer. Payload is a
// copy owned by the caller.
type ReceivedPacket struct {
	Payload  []byte
	Pointer  byte
	Length   int
	RSSISync float64
	SNR      float64
}

// timeoutSteps converts d to 1 ms period base steps. Zero or less means no
// chip timeout; the largest finite value is 0xFFFE.
func timeoutSteps(d time.Duration) uint16 {
	ms := d.Milliseconds()
	if ms <= 0 {
		return TimeoutSingle
	}
	if ms >= int64(TimeoutContinuous) {
		return TimeoutContinuous - 1
	}
	return uint16(ms)
}

func (r *Radio) configured() bool {
	_, ok := profiles[r.applied.PacketType]
	return ok && r.applied.Frequency != 0
}

// Transmit sends payload and blocks until the chip reports TX done.
func (r *Radio) Transmit(payload []byte) error {
	if !r.configured() {
		return ErrNotConfigured
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if limit := r.maxPayload(); len(payload) > limit {
		return fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(payload), limit)
	}

	err := r.writeBuffer(r.applied.Buffer.TX, payload)
	if err != nil {
		return err
	}

	err = r.setPacketLength(byte(len(payload)))
	if err != nil {
		return err
	}

	err = r.ClearIrqStatus(IrqAll)
	if err != nil {
		return err
	}

	err = r.setTx(timeoutSteps(r.opts.TxTimeout))
	if err != nil {
		return err
	}

	irq, err := r.waitIRQ(IrqTxDone|IrqRxTxTimeout, r.completionTimeout(), true)
	if err != nil {
		if errors.Is(err, ErrIrqTimeout) {
			if serr := r.Standby(StandbyRC); serr != nil {
				return serr
			}
		}
		return fmt.Errorf("gsx1280: transmit: %w", err)
	}
	r.setMode(r.idleMode())
	if err := r.switchRF(rfOff); err != nil {
		return err
	}
	if irq.Has(IrqRxTxTimeout) {
		return ErrTxTimeout
	}
	r.log.WithField("len", len(payload)).Debug("packet sent")
	return nil
}

func (r *Radio) setTx(steps uint16) error {
	err := r.switchRF(rfTx)
	if err != nil {
		return err
	}
	err = r.command(OpSetTx, byte(PeriodBase1ms), byte(steps>>8), byte(steps))
	if err != nil {
		return err
	}
	r.setMode(ModeTx)
	r.receiving = false
	return nil
}

func (r *Radio) setRx(steps uint16) error {
	err := r.switchRF(rfRx)
	if err != nil {
		return err
	}
	err = r.command(OpSetRx, byte(PeriodBase1ms), byte(steps>>8), byte(steps))
	if err != nil {
		return err
	}
	r.setMode(ModeRx)
	return nil
}

type rfPath int

const (
	rfOff rfPath = iota
	rfTx
	rfRx
)

// switchRF sets the RF switch pins for path.
func (r *Radio) switchRF(path rfPath) error {
	if err := drive(r.opts.TxEnable, path == rfTx); err != nil {
		return fmt.Errorf("gsx1280: tx enable: %w", err)
	}
	if err := drive(r.opts.RxEnable, path == rfRx); err != nil {
		return fmt.Errorf("gsx1280: rx enable: %w", err)
	}
	return nil
}

func drive(p gpio.PinOut, on bool) error {
	if p == nil {
		return nil
	}
	return p.Out(gpio.Level(on))
}

// ChannelActivity runs one LoRa channel activity detection over symbols
// and reports whether a LoRa preamble was heard.
func (r *Radio) ChannelActivity(symbols CadSymbols, timeout time.Duration) (bool, error) {
	if !r.configured() {
		return false, ErrNotConfigured
	}
	if r.applied.PacketType != PacketLoRa {
		return false, &ConfigError{Field: "PacketType", Value: r.applied.PacketType}
	}

	err := r.command(OpSetCadParams, byte(symbols))
	if err != nil {
		return false, err
	}
	err = r.ClearIrqStatus(IrqAll)
	if err != nil {
		return false, err
	}
	err = r.switchRF(rfRx)
	if err != nil {
		return false, err
	}
	err = r.command(OpSetCad)
	if err != nil {
		return false, err
	}
	r.setMode(ModeRx)

	irq, err := r.waitIRQ(IrqCadDone, timeout, false)
	if err != nil {
		if serr := r.Standby(StandbyRC); serr != nil {
			return false, serr
		}
		return false, fmt.Errorf("gsx1280: channel activity: %w", err)
	}
	r.setMode(r.idleMode())
	if err := r.switchRF(rfOff); err != nil {
		return false, err
	}
	return irq.Has(IrqCadDetected), nil
}

// Receive listens for one packet for at most timeout. ok is false when
// nothing arrived in time. The radio is back in standby on return.
func (r *Radio) Receive(timeout time.Duration) (ReceivedPacket, bool, error) {
	if !r.configured() {
		return ReceivedPacket{}, false, ErrNotConfigured
	}

	// a previous Transmit shortened the packet length
	err := r.setPacketLength(payloadLength(&r.applied))
	if err != nil {
		return ReceivedPacket{}, false, err
	}

	err = r.ClearIrqStatus(IrqAll)
	if err != nil {
		return ReceivedPacket{}, false, err
	}

	err = r.setRx(timeoutSteps(timeout))
	if err != nil {
		return ReceivedPacket{}, false, err
	}
	r.receiving = false

	irq, werr := r.waitIRQ(IrqRxDone|IrqCrcError|IrqHeaderError|IrqRxTxTimeout, timeout, false)
	err = r.Standby(StandbyRC)
	if err != nil {
		return ReceivedPacket{}, false, err
	}
	if errors.Is(werr, ErrIrqTimeout) {
		return ReceivedPacket{}, false, nil
	}
	if werr != nil {
		return ReceivedPacket{}, false, werr
	}

	switch {
	case irq.Has(IrqCrcError):
		return ReceivedPacket{}, false, ErrCRC
	case irq.Has(IrqHeaderError):
		return ReceivedPacket{}, false, fmt.Errorf("%w: header error", ErrCRC)
	case !irq.Has(IrqRxDone):
		return ReceivedPacket{}, false, nil
	}

	pkt, err := r.readPacket()
	if err != nil {
		return ReceivedPacket{}, false, err
	}
	return pkt, true, nil
}

// StartReceiving puts the chip in continuous receive. Packets are
// collected with Poll.
func (r *Radio) StartReceiving() error {
	if !r.configured() {
		return ErrNotConfigured
	}
	err := r.setPacketLength(payloadLength(&r.applied))
	if err != nil {
		return err
	}
	err = r.ClearIrqStatus(IrqAll)
	if err != nil {
		return err
	}
	err = r.setRx(TimeoutContinuous)
	if err != nil {
		return err
	}
	r.receiving = true
	return nil
}

// StopReceiving returns the chip to standby.
func (r *Radio) StopReceiving() error {
	return r.Standby(StandbyRC)
}

// Receiving reports whether continuous receive is active.
func (r *Radio) Receiving() bool { return r.receiving }

// Poll checks for a packet received in continuous mode without blocking.
func (r *Radio) Poll() (ReceivedPacket, bool, error) {
	irq, err := r.IrqStatus()
	if err != nil {
		return ReceivedPacket{}, false, err
	}
	if irq.Has(IrqCrcError | IrqHeaderError) {
		return ReceivedPacket{}, false, ErrCRC
	}
	if !irq.Has(IrqRxDone) {
		return ReceivedPacket{}, false, nil
	}
	pkt, err := r.readPacket()
	if err != nil {
		return ReceivedPacket{}, false, err
	}
	return pkt, true, nil
}

func (r *Radio) readPacket() (ReceivedPacket, error) {
	b, err := r.query(OpGetRxBufferStatus, 2, 2)
	if err != nil {
		return ReceivedPacket{}, err
	}
	pkt := ReceivedPacket{Length: int(b[0]), Pointer: b[1]}
	if r.applied.PacketType == PacketLoRa && r.applied.LoRa.ImplicitHeader {
		pkt.Length = int(r.applied.LoRa.PayloadLength)
	}
	if pkt.Length == 0 {
		pkt.Payload = []byte{}
		return pkt, nil
	}

	data, err := r.readBuffer(pkt.Pointer, pkt.Length)
	if err != nil {
		return ReceivedPacket{}, err
	}
	pkt.Payload = data

	pkt.RSSISync, pkt.SNR, err = r.PacketStatus()
	if err != nil {
		return ReceivedPacket{}, err
	}
	r.log.WithField("len", pkt.Length).WithField("rssi", pkt.RSSISync).Debug("packet received")
	return pkt, nil
}

// PacketStatus returns RSSI at sync and SNR of the last received packet.
// SNR is only reported for LoRa.
func (r *Radio) PacketStatus() (rssi, snr float64, err error) {
	b, err := r.query(OpGetPacketStatus, 2, 5)
	if err != nil {
		return 0, 0, err
	}
	if r.applied.PacketType == PacketFLRC {
		return -float64(b[1]) / 2, 0, nil
	}
	return -float64(b[0]) / 2, float64(int8(b[1])) / 4, nil
}

// RSSI returns the instantaneous RSSI in dBm. The chip must be in RX.
func (r *Radio) RSSI() (float64, error) {
	b, err := r.query(OpGetRssiInst, 2, 1)
	if err != nil {
		return 0, err
	}
	return -float64(b[0]) / 2, nil
}
