package gsx1280

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

type LoRaBandwidth byte

const (
	LoRaBW1600 LoRaBandwidth = 0x0A
	LoRaBW800  LoRaBandwidth = 0x18
	LoRaBW400  LoRaBandwidth = 0x26
	LoRaBW200  LoRaBandwidth = 0x34
)

var loraBandwidthHz = map[LoRaBandwidth]uint32{
	LoRaBW1600: 1625000,
	LoRaBW800:  812500,
	LoRaBW400:  406250,
	LoRaBW200:  203125,
}

// Hz returns the bandwidth in Hz, or 0 for an unknown setting.
func (b LoRaBandwidth) Hz() uint32 { return loraBandwidthHz[b] }

type LoRaCodingRate byte

const (
	LoRaCR4_5   LoRaCodingRate = 0x01
	LoRaCR4_6   LoRaCodingRate = 0x02
	LoRaCR4_7   LoRaCodingRate = 0x03
	LoRaCR4_8   LoRaCodingRate = 0x04
	LoRaCRLI4_5 LoRaCodingRate = 0x05
	LoRaCRLI4_6 LoRaCodingRate = 0x06
	LoRaCRLI4_8 LoRaCodingRate = 0x07
)

type FLRCBitrate byte

const (
	FLRCBR1300BW1200 FLRCBitrate = 0x45
	FLRCBR1000BW1200 FLRCBitrate = 0x69
	FLRCBR650BW600   FLRCBitrate = 0x86
	FLRCBR520BW600   FLRCBitrate = 0xAA
	FLRCBR325BW300   FLRCBitrate = 0xC7
	FLRCBR260BW300   FLRCBitrate = 0xEB
)

type FLRCCodingRate byte

const (
	FLRCCR1_2 FLRCCodingRate = 0x00
	FLRCCR3_4 FLRCCodingRate = 0x02
	FLRCCR1_1 FLRCCodingRate = 0x04
)

type Shaping byte

const (
	ShapingOff   Shaping = 0x00
	ShapingBT1_0 Shaping = 0x10
	ShapingBT0_5 Shaping = 0x20
)

type FLRCCrc byte

const (
	FLRCCrcOff   FLRCCrc = 0x00
	FLRCCrc1Byte FLRCCrc = 0x10
	FLRCCrc2Byte FLRCCrc = 0x20
	FLRCCrc3Byte FLRCCrc = 0x30
)

type RampTime byte

const (
	Ramp2us  RampTime = 0x00
	Ramp4us  RampTime = 0x20
	Ramp6us  RampTime = 0x40
	Ramp8us  RampTime = 0x60
	Ramp10us RampTime = 0x80
	Ramp12us RampTime = 0xA0
	Ramp16us RampTime = 0xC0
	Ramp20us RampTime = 0xE0
)

const (
	MinTxPower = -18
	MaxTxPower = 13
)

// LoRaParams is used by both LoRa and ranging packet types.
type LoRaParams struct {
	SpreadingFactor int
	Bandwidth       LoRaBandwidth
	CodingRate      LoRaCodingRate
	// PreambleLength is the raw mantissa/exponent register value.
	PreambleLength byte
	ImplicitHeader bool
	PayloadLength  byte
	CRC            bool
	InvertIQ       bool
}

type FLRCParams struct {
	Bitrate    FLRCBitrate
	CodingRate FLRCCodingRate
	Shaping    Shaping
	// PreambleLength is the raw register value, 0x30 is 16 bits.
	PreambleLength byte
	FixedLength    bool
	PayloadLength  byte
	CRC            FLRCCrc
	SyncWord       uint32
	// SyncWordTolerance is the number of bit errors accepted in the sync word, 0..15.
	SyncWordTolerance byte
}

// BufferBase holds the TX and RX base offsets into the 256 byte data buffer.
type BufferBase struct {
	TX byte
	RX byte
}

type Config struct {
	PacketType PacketType
	Frequency  uint64
	Regulator  RegulatorMode
	Buffer     BufferBase
	LoRa       LoRaParams
	FLRC       FLRCParams
	// IRQ overrides the packet type's default routing.
	IRQ *IrqMapping

	TxPower int
	Ramp    RampTime
}

// DefaultLoRaConfig returns SF7, 406.25 kHz, CR 4/5 with explicit header and CRC.
func DefaultLoRaConfig(freq uint64) Config {
	return Config{
		PacketType: PacketLoRa,
		Frequency:  freq,
		Regulator:  RegulatorLDO,
		Buffer:     BufferBase{TX: 0x00, RX: 0x80},
		LoRa: LoRaParams{
			SpreadingFactor: 7,
			Bandwidth:       LoRaBW400,
			CodingRate:      LoRaCR4_5,
			PreambleLength:  12,
			PayloadLength:   MaxPayloadLoRa,
			CRC:             true,
		},
		TxPower: 13,
		Ramp:    Ramp20us,
	}
}

// DefaultFLRCConfig returns 1.3 Mb/s, CR 1, BT 1.0 with variable length packets.
func DefaultFLRCConfig(freq uint64) Config {
	return Config{
		PacketType: PacketFLRC,
		Frequency:  freq,
		Regulator:  RegulatorLDO,
		Buffer:     BufferBase{TX: 0x00, RX: 0x80},
		FLRC: FLRCParams{
			Bitrate:           FLRCBR1300BW1200,
			CodingRate:        FLRCCR1_1,
			Shaping:           ShapingBT1_0,
			PreambleLength:    FLRCPreamble16Bits,
			PayloadLength:     MaxPayloadFLRC,
			CRC:               FLRCCrcOff,
			SyncWord:          0x54696761,
			SyncWordTolerance: 2,
		},
		TxPower: 13,
		Ramp:    Ramp20us,
	}
}

// profile is the per packet type part of configuration.
type profile struct {
	maxPayload   int
	irqEvents    IrqMask
	validate     func(c *Config) error
	modulation   func(c *Config) []byte
	packetParams func(c *Config, length byte) []byte
	// afterModulation runs right after SetModulationParams.
	afterModulation func(r *Radio, c *Config) error
	// finish runs after the DIO mapping.
	finish func(r *Radio, c *Config) error
}

// profiles is built in init; its steps reach apply, which reads it.
var profiles map[PacketType]profile

func init() {
	profiles = map[PacketType]profile{
		PacketLoRa: {
			maxPayload:      MaxPayloadLoRa,
			irqEvents:       IrqTxDone | IrqRxDone | IrqSyncWordError | IrqHeaderError | IrqCrcError | IrqRxTxTimeout | IrqCadDone,
			validate:        validateLoRa,
			modulation:      loraModulation,
			packetParams:    loraPacketParams,
			afterModulation: setLoRaSFRegister,
		},
		PacketFLRC: {
			maxPayload:   MaxPayloadFLRC,
			irqEvents:    IrqTxDone | IrqRxDone | IrqSyncWordError | IrqCrcError | IrqRxTxTimeout,
			validate:     validateFLRC,
			modulation:   flrcModulation,
			packetParams: flrcPacketParams,
			finish:       finishFLRC,
		},
		PacketRanging: {
			maxPayload:      0,
			irqEvents:       IrqRangingMasterResultValid | IrqRangingMasterTimeout | IrqRangingSlaveResponseDone | IrqRangingSlaveRequestDiscard,
			validate:        validateRanging,
			modulation:      loraModulation,
			packetParams:    loraPacketParams,
			afterModulation: setLoRaSFRegister,
		},
	}
}

// Validate checks every field used by the packet type.
func (c *Config) Validate() error {
	p, ok := profiles[c.PacketType]
	if !ok {
		return &ConfigError{Field: "PacketType", Value: c.PacketType}
	}
	if c.Frequency < MinFrequency || c.Frequency > MaxFrequency {
		return &ConfigError{Field: "Frequency", Value: c.Frequency}
	}
	if c.Regulator != RegulatorLDO && c.Regulator != RegulatorDCDC {
		return &ConfigError{Field: "Regulator", Value: c.Regulator}
	}
	if c.TxPower < MinTxPower || c.TxPower > MaxTxPower {
		return &ConfigError{Field: "TxPower", Value: c.TxPower}
	}
	if c.Ramp&0x1F != 0 {
		return &ConfigError{Field: "Ramp", Value: c.Ramp}
	}
	return p.validate(c)
}

func validateLoRa(c *Config) error {
	l := &c.LoRa
	if l.SpreadingFactor < 5 || l.SpreadingFactor > 12 {
		return &ConfigError{Field: "LoRa.SpreadingFactor", Value: l.SpreadingFactor}
	}
	if l.Bandwidth.Hz() == 0 {
		return &ConfigError{Field: "LoRa.Bandwidth", Value: l.Bandwidth}
	}
	if l.CodingRate < LoRaCR4_5 || l.CodingRate > LoRaCRLI4_8 {
		return &ConfigError{Field: "LoRa.CodingRate", Value: l.CodingRate}
	}
	if int(l.PayloadLength) > MaxPayloadLoRa {
		return &ConfigError{Field: "LoRa.PayloadLength", Value: l.PayloadLength}
	}
	return nil
}

func validateRanging(c *Config) error {
	if err := validateLoRa(c); err != nil {
		return err
	}
	if c.LoRa.SpreadingFactor > 10 {
		return &ConfigError{Field: "LoRa.SpreadingFactor", Value: c.LoRa.SpreadingFactor}
	}
	if c.LoRa.Bandwidth == LoRaBW200 {
		return &ConfigError{Field: "LoRa.Bandwidth", Value: c.LoRa.Bandwidth}
	}
	return nil
}

func validateFLRC(c *Config) error {
	f := &c.FLRC
	switch f.Bitrate {
	case FLRCBR1300BW1200, FLRCBR1000BW1200, FLRCBR650BW600, FLRCBR520BW600, FLRCBR325BW300, FLRCBR260BW300:
	default:
		return &ConfigError{Field: "FLRC.Bitrate", Value: f.Bitrate}
	}
	switch f.CodingRate {
	case FLRCCR1_2, FLRCCR3_4, FLRCCR1_1:
	default:
		return &ConfigError{Field: "FLRC.CodingRate", Value: f.CodingRate}
	}
	switch f.Shaping {
	case ShapingOff, ShapingBT1_0, ShapingBT0_5:
	default:
		return &ConfigError{Field: "FLRC.Shaping", Value: f.Shaping}
	}
	switch f.CRC {
	case FLRCCrcOff, FLRCCrc1Byte, FLRCCrc2Byte, FLRCCrc3Byte:
	default:
		return &ConfigError{Field: "FLRC.CRC", Value: f.CRC}
	}
	if f.PreambleLength&0x0F != 0 || f.PreambleLength > 0x70 {
		return &ConfigError{Field: "FLRC.PreambleLength", Value: f.PreambleLength}
	}
	if int(f.PayloadLength) > MaxPayloadFLRC {
		return &ConfigError{Field: "FLRC.PayloadLength", Value: f.PayloadLength}
	}
	if f.SyncWordTolerance > 15 {
		return &ConfigError{Field: "FLRC.SyncWordTolerance", Value: f.SyncWordTolerance}
	}
	return nil
}

func loraModulation(c *Config) []byte {
	return []byte{byte(c.LoRa.SpreadingFactor) << 4, byte(c.LoRa.Bandwidth), byte(c.LoRa.CodingRate)}
}

func loraPacketParams(c *Config, length byte) []byte {
	l := &c.LoRa
	header, crc, iq := LoRaHeaderExplicit, LoRaCrcOff, LoRaIQNormal
	if l.ImplicitHeader {
		header = LoRaHeaderImplicit
	}
	if l.CRC {
		crc = LoRaCrcOn
	}
	if l.InvertIQ {
		iq = LoRaIQInverted
	}
	return []byte{l.PreambleLength, header, length, crc, iq, 0x00, 0x00}
}

func flrcModulation(c *Config) []byte {
	return []byte{byte(c.FLRC.Bitrate), byte(c.FLRC.CodingRate), byte(c.FLRC.Shaping)}
}

func flrcPacketParams(c *Config, length byte) []byte {
	f := &c.FLRC
	kind := FLRCVariableLength
	if f.FixedLength {
		kind = FLRCFixedLength
	}
	return []byte{f.PreambleLength, FLRCSyncWordLen4, FLRCMatchSyncWord1, kind, length, byte(f.CRC), FLRCWhiteningOff}
}

// setLoRaSFRegister writes the SF dependent value the datasheet requires
// after SetModulationParams.
func setLoRaSFRegister(r *Radio, c *Config) error {
	v := byte(0x32)
	switch c.LoRa.SpreadingFactor {
	case 5, 6:
		v = 0x1E
	case 7, 8:
		v = 0x37
	}
	return r.WriteRegister(RegLoRaSFAdditional, v)
}

func finishFLRC(r *Radio, c *Config) error {
	w := c.FLRC.SyncWord
	err := r.WriteRegister(RegFLRCSyncWord1, byte(w>>24), byte(w>>16), byte(w>>8), byte(w))
	if err != nil {
		return err
	}
	err = r.WriteRegister(RegFLRCPayloadLength, c.FLRC.PayloadLength)
	if err != nil {
		return err
	}
	err = r.updateRegister(RegFLRCSyncTolerance, 0x0F, c.FLRC.SyncWordTolerance)
	if err != nil {
		return err
	}
	return r.SetAutoFS(true)
}

// FrequencyToSteps converts Hz to PLL steps, rounding to the nearest step.
func FrequencyToSteps(hz uint64) uint32 {
	return uint32((hz<<18 + XtalFreq/2) / XtalFreq)
}

// StepsToFrequency converts PLL steps to Hz, rounding to the nearest Hz.
func StepsToFrequency(steps uint32) uint64 {
	return (uint64(steps)*XtalFreq + 1<<17) >> 18
}

// Configure validates cfg and, if valid, programs the chip with it. The
// configuration is kept for WakeUp, busy recovery and StopRanging.
func (r *Radio) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := r.apply(cfg); err != nil {
		return err
	}
	r.cfg = &cfg
	r.log.WithFields(logrus.Fields{
		"type":      cfg.PacketType,
		"frequency": cfg.Frequency,
	}).Info("radio configured")
	return nil
}

// apply issues the configuration sequence for an already validated cfg.
func (r *Radio) apply(cfg Config) error {
	p := profiles[cfg.PacketType]

	err := r.Standby(StandbyRC)
	if err != nil {
		return err
	}

	err = r.SetRegulatorMode(cfg.Regulator)
	if err != nil {
		return err
	}

	err = r.setPacketType(cfg.PacketType)
	if err != nil {
		return err
	}

	err = r.setFrequency(cfg.Frequency)
	if err != nil {
		return err
	}

	err = r.command(OpSetBufferBase, cfg.Buffer.TX, cfg.Buffer.RX)
	if err != nil {
		return err
	}

	err = r.command(OpSetModulationParams, p.modulation(&cfg)...)
	if err != nil {
		return err
	}
	if p.afterModulation != nil {
		err = p.afterModulation(r, &cfg)
		if err != nil {
			return err
		}
	}

	err = r.command(OpSetPacketParams, p.packetParams(&cfg, payloadLength(&cfg))...)
	if err != nil {
		return err
	}

	m := r.route(p.irqEvents)
	if cfg.IRQ != nil {
		m = *cfg.IRQ
	}
	err = r.SetDioIrqParams(m)
	if err != nil {
		return err
	}

	if p.finish != nil {
		err = p.finish(r, &cfg)
		if err != nil {
			return err
		}
	}

	err = r.SetTxParams(cfg.TxPower, cfg.Ramp)
	if err != nil {
		return err
	}

	err = r.ClearIrqStatus(IrqAll)
	if err != nil {
		return err
	}

	// advanced ranging off
	err = r.command(OpSetAdvancedRanging, 0x00)
	if err != nil {
		return err
	}

	// retained across Sleep
	err = r.command(OpSetSaveContext)
	if err != nil {
		return err
	}

	r.applied = cfg
	return nil
}

func payloadLength(c *Config) byte {
	if c.PacketType == PacketFLRC {
		return c.FLRC.PayloadLength
	}
	return c.LoRa.PayloadLength
}

func (r *Radio) setPacketType(t PacketType) error {
	err := r.command(OpSetPacketType, byte(t))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.state.PacketType = t
	r.mu.Unlock()
	return nil
}

func (r *Radio) setFrequency(hz uint64) error {
	s := FrequencyToSteps(hz)
	return r.command(OpSetRfFrequency, byte(s>>16), byte(s>>8), byte(s))
}

// setPacketLength reissues the packet parameters of the applied
// configuration with a new payload length.
func (r *Radio) setPacketLength(n byte) error {
	p := profiles[r.applied.PacketType]
	return r.command(OpSetPacketParams, p.packetParams(&r.applied, n)...)
}

func (r *Radio) maxPayload() int {
	return profiles[r.applied.PacketType].maxPayload
}

// Sleep puts the chip in sleep mode keeping data buffer and instruction RAM.
func (r *Radio) Sleep() error {
	err := r.command(OpSetSleep, 0x07)
	if err != nil {
		return err
	}
	r.setMode(ModeSleep)
	r.receiving = false
	return r.switchRF(rfOff)
}

// WakeUp brings the chip out of sleep and reapplies the last configuration.
func (r *Radio) WakeUp() error {
	if r.cfg == nil {
		return ErrNotConfigured
	}
	err := r.wake()
	if err != nil {
		return err
	}
	return r.apply(*r.cfg)
}

// wake clocks a bare GetStatus frame without the usual busy check. A
// sleeping chip holds busy high until NSS falls.
func (r *Radio) wake() error {
	r.mu.Lock()
	w, rx := r.wbuf[:1], r.rbuf[:1]
	w[0] = byte(OpGetStatus)
	err := r.spi.Tx(w, rx)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("gsx1280: wake: %w", err)
	}
	if !r.busyReady() {
		return r.busyTimedOut()
	}
	r.busyTimeouts = 0
	r.setMode(ModeStandbyRC)
	r.log.Debug("woken up")
	return nil
}

func (r *Radio) Standby(mode StandbyMode) error {
	err := r.command(OpSetStandby, byte(mode))
	if err != nil {
		return err
	}
	if mode == StandbyXOSC {
		r.setMode(ModeStandbyXOSC)
	} else {
		r.setMode(ModeStandbyRC)
	}
	r.receiving = false
	return r.switchRF(rfOff)
}

// SetFS puts the chip in frequency synthesis mode.
func (r *Radio) SetFS() error {
	err := r.command(OpSetFS)
	if err != nil {
		return err
	}
	r.setMode(ModeFS)
	return r.switchRF(rfOff)
}

// SetAutoFS makes the chip return to FS instead of standby after TX or RX.
func (r *Radio) SetAutoFS(on bool) error {
	v := byte(0)
	if on {
		v = 1
	}
	err := r.command(OpSetAutoFS, v)
	if err != nil {
		return err
	}
	r.autoFS = on
	return nil
}

// idleMode is where the chip goes by itself after a TX or RX completes.
func (r *Radio) idleMode() Mode {
	if r.autoFS {
		return ModeFS
	}
	return ModeStandbyRC
}

func (r *Radio) SetRegulatorMode(m RegulatorMode) error {
	return r.command(OpSetRegulatorMode, byte(m))
}

// SetTxParams sets the output power in dBm (-18..13) and ramp time.
func (r *Radio) SetTxParams(power int, ramp RampTime) error {
	if power < MinTxPower || power > MaxTxPower {
		return &ConfigError{Field: "TxPower", Value: power}
	}
	return r.command(OpSetTxParams, byte(power-MinTxPower), byte(ramp))
}

// SetHighSensitivityLNA toggles the high sensitivity LNA mode.
func (r *Radio) SetHighSensitivityLNA(on bool) error {
	v := byte(0x00)
	if on {
		v = 0xC0
	}
	return r.updateRegister(RegLnaMode, 0xC0, v)
}

func (r *Radio) String() string {
	return fmt.Sprintf("sx1280(%s, %s)", r.spi, r.State())
}
