package gsx1280

type Opcode byte
type Register uint16
type Mode byte
type PacketType byte
type StandbyMode byte
type RegulatorMode byte
type PeriodBase byte
type IrqMask uint16

const (
	OpGetStatus           Opcode = 0xC0
	OpWriteRegister       Opcode = 0x18
	OpReadRegister        Opcode = 0x19
	OpWriteBuffer         Opcode = 0x1A
	OpReadBuffer          Opcode = 0x1B
	OpSetSleep            Opcode = 0x84
	OpSetStandby          Opcode = 0x80
	OpSetFS               Opcode = 0xC1
	OpSetTx               Opcode = 0x83
	OpSetRx               Opcode = 0x82
	OpSetPacketType       Opcode = 0x8A
	OpGetPacketType       Opcode = 0x03
	OpSetRfFrequency      Opcode = 0x86
	OpSetTxParams         Opcode = 0x8E
	OpSetBufferBase       Opcode = 0x8F
	OpSetModulationParams Opcode = 0x8B
	OpSetPacketParams     Opcode = 0x8C
	OpGetRxBufferStatus   Opcode = 0x17
	OpGetPacketStatus     Opcode = 0x1D
	OpGetRssiInst         Opcode = 0x1F
	OpSetDioIrqParams     Opcode = 0x8D
	OpGetIrqStatus        Opcode = 0x15
	OpClrIrqStatus        Opcode = 0x97
	OpSetRegulatorMode    Opcode = 0x96
	OpSetAutoFS           Opcode = 0x9E
	OpSetRangingRole      Opcode = 0xA3
	OpSetAdvancedRanging  Opcode = 0x9A
	OpSetSaveContext      Opcode = 0xD5
	OpSetCadParams        Opcode = 0x88
	OpSetCad              Opcode = 0xC5
)

const (
	RegLnaMode              Register = 0x0891
	RegRangingFilterReset   Register = 0x0923
	RegRangingResultConfig  Register = 0x0924
	RegLoRaSFAdditional     Register = 0x0925
	RegRangingCalibrationHi Register = 0x092C
	RegRangingCalibrationLo Register = 0x092D
	RegRangingMasterAddr    Register = 0x0912
	RegRangingSlaveAddr     Register = 0x0916
	RegRangingAddrLength    Register = 0x0931
	RegFreqErrorIndicator   Register = 0x0954
	RegRangingResult        Register = 0x0961
	RegLoRaModemClock       Register = 0x097F
	RegFLRCPayloadLength    Register = 0x09C3
	RegFLRCSyncTolerance    Register = 0x09CD
	RegFLRCSyncWord1        Register = 0x09CF
)

const (
	ModeSleep Mode = iota
	ModeStandbyRC
	ModeStandbyXOSC
	ModeFS
	ModeTx
	ModeRx
)

var modeNames = [...]string{"sleep", "standby-rc", "standby-xosc", "fs", "tx", "rx"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "unknown"
}

const (
	PacketGFSK    PacketType = 0x00
	PacketLoRa    PacketType = 0x01
	PacketRanging PacketType = 0x02
	PacketFLRC    PacketType = 0x03
)

func (p PacketType) String() string {
	switch p {
	case PacketGFSK:
		return "gfsk"
	case PacketLoRa:
		return "lora"
	case PacketRanging:
		return "ranging"
	case PacketFLRC:
		return "flrc"
	}
	return "unknown"
}

const (
	StandbyRC   StandbyMode = 0x00
	StandbyXOSC StandbyMode = 0x01
)

const (
	RegulatorLDO  RegulatorMode = 0x00
	RegulatorDCDC RegulatorMode = 0x01
)

// CadSymbols is the number of symbols a channel activity detection listens for.
type CadSymbols byte

const (
	Cad1Symbol   CadSymbols = 0x00
	Cad2Symbols  CadSymbols = 0x20
	Cad4Symbols  CadSymbols = 0x40
	Cad8Symbols  CadSymbols = 0x60
	Cad16Symbols CadSymbols = 0x80
)

const (
	PeriodBase15us PeriodBase = 0x00
	PeriodBase62us PeriodBase = 0x01
	PeriodBase1ms  PeriodBase = 0x02
	PeriodBase4ms  PeriodBase = 0x03
)

const (
	// TimeoutSingle disables the chip side timeout for a single TX or RX.
	TimeoutSingle uint16 = 0x0000
	// TimeoutContinuous keeps the chip in RX (or TX for ranging) until told otherwise.
	TimeoutContinuous uint16 = 0xFFFF
)

const (
	IrqTxDone IrqMask = 1 << iota
	IrqRxDone
	IrqSyncWordValid
	IrqSyncWordError
	IrqHeaderValid
	IrqHeaderError
	IrqCrcError
	IrqRangingSlaveResponseDone
	IrqRangingSlaveRequestDiscard
	IrqRangingMasterResultValid
	IrqRangingMasterTimeout
	IrqRangingMasterRequestValid
	IrqCadDone
	IrqCadDetected
	IrqRxTxTimeout
	IrqPreambleDetected

	IrqNone IrqMask = 0x0000
	IrqAll  IrqMask = 0xFFFF
)

var irqNames = [16]string{
	"TxDone", "RxDone", "SyncWordValid", "SyncWordError", "HeaderValid", "HeaderError",
	"CrcError", "RangingSlaveResponseDone", "RangingSlaveRequestDiscard",
	"RangingMasterResultValid", "RangingMasterTimeout", "RangingMasterRequestValid",
	"CadDone", "CadDetected", "RxTxTimeout", "PreambleDetected",
}

// Has reports whether any of the bits in m are set.
func (i IrqMask) Has(m IrqMask) bool { return i&m != 0 }

func (i IrqMask) String() string {
	if i == 0 {
		return "none"
	}
	s := ""
	for b := 0; b < 16; b++ {
		if i&(1<<b) == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += irqNames[b]
	}
	return s
}

const (
	XtalFreq = 52000000
	// FreqStep is the PLL step in Hz, XtalFreq / 2^18.
	FreqStep = float64(XtalFreq) / (1 << 18)

	MinFrequency uint64 = 2400000000
	MaxFrequency uint64 = 2500000000

	MaxPayloadLoRa = 252
	MaxPayloadFLRC = 127

	BufferSize = 256
)

const (
	LoRaHeaderExplicit byte = 0x00
	LoRaHeaderImplicit byte = 0x80
	LoRaCrcOn          byte = 0x20
	LoRaCrcOff         byte = 0x00
	LoRaIQNormal       byte = 0x40
	LoRaIQInverted     byte = 0x00

	FLRCSyncWordLen4   byte = 0x04
	FLRCMatchSyncWord1 byte = 0x10
	FLRCFixedLength    byte = 0x00
	FLRCVariableLength byte = 0x20
	FLRCWhiteningOff   byte = 0x08
	FLRCPreamble16Bits byte = 0x30
)

const (
	rangingRoleSlave  byte = 0x00
	rangingRoleMaster byte = 0x01
)
