package gsx1280

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// CommandStatus is the command status field of the status byte.
type CommandStatus byte

const (
	CmdSuccess         CommandStatus = 1
	CmdDataAvailable   CommandStatus = 2
	CmdTimeout         CommandStatus = 3
	CmdProcessingError CommandStatus = 4
	CmdExecFailure     CommandStatus = 5
	CmdTxDone          CommandStatus = 6
)

var cmdStatusNames = map[CommandStatus]string{
	CmdSuccess:         "success",
	CmdDataAvailable:   "data-available",
	CmdTimeout:         "timeout",
	CmdProcessingError: "processing-error",
	CmdExecFailure:     "exec-failure",
	CmdTxDone:          "tx-done",
}

func (c CommandStatus) String() string {
	if s, ok := cmdStatusNames[c]; ok {
		return s
	}
	return fmt.Sprintf("cmd(%d)", byte(c))
}

// Status is the byte the chip clocks out while receiving a command.
type Status byte

// CircuitMode returns bits 7..5.
func (s Status) CircuitMode() byte { return byte(s&0xE0) >> 5 }

// Mode maps the circuit mode to a Mode. ok is false for reserved values.
func (s Status) Mode() (m Mode, ok bool) {
	switch s.CircuitMode() {
	case 2:
		return ModeStandbyRC, true
	case 3:
		return ModeStandbyXOSC, true
	case 4:
		return ModeFS, true
	case 5:
		return ModeRx, true
	case 6:
		return ModeTx, true
	}
	return 0, false
}

// Command returns bits 4..2.
func (s Status) Command() CommandStatus { return CommandStatus(s&0x1C) >> 2 }

// Busy reports bit 0 clear.
func (s Status) Busy() bool { return s&0x01 == 0 }

func (s Status) String() string {
	mode := "reserved"
	if m, ok := s.Mode(); ok {
		mode = m.String()
	}
	return fmt.Sprintf("mode=%s cmd=%s", mode, s.Command())
}

var opNames = map[Opcode]string{
	OpGetStatus:           "GetStatus",
	OpWriteRegister:       "WriteRegister",
	OpReadRegister:        "ReadRegister",
	OpWriteBuffer:         "WriteBuffer",
	OpReadBuffer:          "ReadBuffer",
	OpSetSleep:            "SetSleep",
	OpSetStandby:          "SetStandby",
	OpSetFS:               "SetFS",
	OpSetTx:               "SetTx",
	OpSetRx:               "SetRx",
	OpSetPacketType:       "SetPacketType",
	OpGetPacketType:       "GetPacketType",
	OpSetRfFrequency:      "SetRfFrequency",
	OpSetTxParams:         "SetTxParams",
	OpSetBufferBase:       "SetBufferBaseAddress",
	OpSetModulationParams: "SetModulationParams",
	OpSetPacketParams:     "SetPacketParams",
	OpGetRxBufferStatus:   "GetRxBufferStatus",
	OpGetPacketStatus:     "GetPacketStatus",
	OpGetRssiInst:         "GetRssiInst",
	OpSetDioIrqParams:     "SetDioIrqParams",
	OpGetIrqStatus:        "GetIrqStatus",
	OpClrIrqStatus:        "ClrIrqStatus",
	OpSetRegulatorMode:    "SetRegulatorMode",
	OpSetAutoFS:           "SetAutoFS",
	OpSetRangingRole:      "SetRangingRole",
	OpSetAdvancedRanging:  "SetAdvancedRanging",
	OpSetSaveContext:      "SetSaveContext",
	OpSetCadParams:        "SetCadParams",
	OpSetCad:              "SetCad",
}

func (o Opcode) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("0x%02X", byte(o))
}

// exchange clocks one frame of at least size bytes, zero padded, and
// returns a copy of what the chip sent back. The bus lock covers only the
// frame; busy timeouts are handled after it is released so recovery can
// issue its own frames.
func (r *Radio) exchange(op Opcode, params []byte, size int) ([]byte, error) {
	n := 1 + len(params)
	if size < n {
		size = n
	}
	if size > frameSize {
		return nil, fmt.Errorf("gsx1280: %s: frame of %d bytes too large", op, size)
	}

	r.mu.Lock()
	if !r.busyReady() {
		r.mu.Unlock()
		return nil, r.busyTimedOut()
	}

	w := r.wbuf[:size]
	w[0] = byte(op)
	copy(w[1:], params)
	for i := n; i < size; i++ {
		w[i] = 0
	}
	rx := r.rbuf[:size]
	if err := r.spi.Tx(w, rx); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("gsx1280: %s: %w", op, err)
	}
	status := Status(rx[0])
	r.status = status
	out := make([]byte, size)
	copy(out, rx)

	// the chip stays busy while asleep
	ready := op == OpSetSleep || r.busyReady()
	r.mu.Unlock()

	if !ready {
		return nil, r.busyTimedOut()
	}
	r.busyTimeouts = 0
	r.log.WithFields(logrus.Fields{"op": op, "status": status}).Trace("frame")
	return out, nil
}

func (r *Radio) command(op Opcode, params ...byte) error {
	_, err := r.exchange(op, params, 0)
	return err
}

// query sends op with params and returns n bytes of the response starting
// at offset.
func (r *Radio) query(op Opcode, offset, n int, params ...byte) ([]byte, error) {
	rx, err := r.exchange(op, params, offset+n)
	if err != nil {
		return nil, err
	}
	return rx[offset : offset+n], nil
}

// WriteRegister writes data starting at addr.
func (r *Radio) WriteRegister(addr Register, data ...byte) error {
	params := make([]byte, 0, 2+len(data))
	params = append(params, byte(addr>>8), byte(addr))
	params = append(params, data...)
	return r.command(OpWriteRegister, params...)
}

// ReadRegister reads n bytes starting at addr.
func (r *Radio) ReadRegister(addr Register, n int) ([]byte, error) {
	return r.query(OpReadRegister, r.opts.ReadOffset, n, byte(addr>>8), byte(addr))
}

func (r *Radio) updateRegister(addr Register, mask, value byte) error {
	b, err := r.ReadRegister(addr, 1)
	if err != nil {
		return err
	}
	return r.WriteRegister(addr, b[0]&^mask|value&mask)
}

func (r *Radio) writeBuffer(offset byte, data []byte) error {
	params := make([]byte, 0, 1+len(data))
	params = append(params, offset)
	params = append(params, data...)
	return r.command(OpWriteBuffer, params...)
}

func (r *Radio) readBuffer(offset byte, n int) ([]byte, error) {
	return r.query(OpReadBuffer, r.opts.ReadOffset, n, offset)
}

// GetStatus issues a bare status request.
func (r *Radio) GetStatus() (Status, error) {
	rx, err := r.exchange(OpGetStatus, nil, 1)
	if err != nil {
		return 0, err
	}
	return Status(rx[0]), nil
}

// GetPacketType reads the packet type the chip is set to.
func (r *Radio) GetPacketType() (PacketType, error) {
	b, err := r.query(OpGetPacketType, 2, 1)
	if err != nil {
		return 0, err
	}
	return PacketType(b[0]), nil
}
