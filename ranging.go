package gsx1280

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
)

type RangingRole byte

const (
	RoleSlave  RangingRole = RangingRole(rangingRoleSlave)
	RoleMaster RangingRole = RangingRole(rangingRoleMaster)
)

func (r RangingRole) String() string {
	if r == RoleMaster {
		return "master"
	}
	return "slave"
}

type RangingState int

const (
	RangingIdle RangingState = iota
	RangingConfigured
	RangingWaiting
	RangingResultValid
	RangingTimedOut
	RangingDiscarded
)

var rangingStateNames = [...]string{"idle", "configured", "waiting", "result-valid", "timeout", "discard"}

func (s RangingState) String() string {
	if int(s) < len(rangingStateNames) {
		return rangingStateNames[s]
	}
	return "unknown"
}

// distanceFactor is 150 / 2^12 scaled to Hz: meters = raw * distanceFactor / bandwidth.
const distanceFactor = 36621.09375

// calibration holds the Semtech RX/TX delay constants for SF5..SF10.
var calibration = map[LoRaBandwidth][6]uint16{
	LoRaBW400:  {10299, 10271, 10244, 10242, 10230, 10246},
	LoRaBW800:  {11486, 11474, 11453, 11426, 11417, 11401},
	LoRaBW1600: {13308, 13493, 13528, 13515, 13430, 13376},
}

// Calibration returns the RX/TX delay for a bandwidth and spreading
// factor. ok is false outside the ranging range.
func Calibration(bw LoRaBandwidth, sf int) (uint16, bool) {
	t, ok := calibration[bw]
	if !ok || sf < 5 || sf > 10 {
		return 0, false
	}
	return t[sf-5], true
}

// RangingParams is the modulation used for a ranging exchange.
type RangingParams struct {
	SpreadingFactor int
	Bandwidth       LoRaBandwidth
	CodingRate      LoRaCodingRate
	TxPower         int
	Ramp            RampTime
	// Calibration overrides the table value when set.
	Calibration *uint16
}

// DefaultRangingParams returns SF10, 1625 kHz, CR 4/5 at full power.
func DefaultRangingParams() RangingParams {
	return RangingParams{
		SpreadingFactor: 10,
		Bandwidth:       LoRaBW1600,
		CodingRate:      LoRaCR4_5,
		TxPower:         13,
		Ramp:            Ramp20us,
	}
}

type RangingOptions struct {
	Params RangingParams
	// Timeout bounds the whole exchange. Default 10s for master, 5s for slave.
	Timeout time.Duration
	// Resend re-arms the exchange when nothing happened for this long. Default 3s.
	Resend time.Duration
	// Delay is slept by the master before arming so the slave can get ready.
	// Default 1s, negative disables.
	Delay time.Duration
	// Pause is slept by the master after a MasterTimeout before re-arming.
	// Default 500ms.
	Pause time.Duration
	// Filtered selects the chip's filtered result instead of the raw one.
	Filtered bool
}

func (o RangingOptions) withDefaults(role RangingRole) RangingOptions {
	if o.Params.SpreadingFactor == 0 {
		o.Params = DefaultRangingParams()
	}
	if o.Timeout == 0 {
		o.Timeout = 5 * time.Second
		if role == RoleMaster {
			o.Timeout = 10 * time.Second
		}
	}
	if o.Resend == 0 {
		o.Resend = 3 * time.Second
	}
	if o.Delay == 0 {
		o.Delay = time.Second
	}
	if o.Pause == 0 {
		o.Pause = 500 * time.Millisecond
	}
	return o
}

type RangingResult struct {
	// Raw is the 24 bit two's complement register value.
	Raw      int32
	Meters   float64
	RSSI     float64
	Filtered bool
}

// RangingSession describes the ranging exchange the radio is set up for.
type RangingSession struct {
	Role        RangingRole
	Address     [4]byte
	Params      RangingParams
	Calibration uint16
	State       RangingState
	Result      RangingResult
}

// Session returns the current ranging session. ok is false when the radio
// is not set up for ranging.
func (r *Radio) Session() (RangingSession, bool) {
	if r.ranging == nil {
		return RangingSession{}, false
	}
	return *r.ranging, true
}

// twos decodes an n bit two's complement value.
func twos(v uint32, bits uint) int32 {
	x := int64(v)
	if x >= 2<<(bits-2) {
		x -= 2 << (bits - 1)
	}
	return int32(x)
}

// RangeMeters converts a raw ranging result to meters.
// Bandwidths ranging does not support give 0.
func RangeMeters(raw int32, bw LoRaBandwidth, filtered bool) float64 {
	if _, ok := calibration[bw]; !ok {
		return 0
	}
	m := float64(raw) / float64(bw.Hz()) * distanceFactor
	if filtered {
		m = m * 20 / 100
	}
	return m
}

func (r *Radio) rangingConfig(p RangingParams) Config {
	freq := uint64(2400000000)
	if r.cfg != nil {
		freq = r.cfg.Frequency
	}
	return Config{
		PacketType: PacketRanging,
		Frequency:  freq,
		Regulator:  r.applied.Regulator,
		Buffer:     BufferBase{TX: 0x00, RX: 0x00},
		LoRa: LoRaParams{
			SpreadingFactor: p.SpreadingFactor,
			Bandwidth:       p.Bandwidth,
			CodingRate:      p.CodingRate,
			PreambleLength:  12,
			PayloadLength:   0,
			CRC:             true,
		},
		TxPower: p.TxPower,
		Ramp:    p.Ramp,
	}
}

// ConfigureRanging puts the chip in ranging mode for role. A slave answers
// requests for addr, a master sends requests to addr.
func (r *Radio) ConfigureRanging(role RangingRole, addr [4]byte, p RangingParams) error {
	cfg := r.rangingConfig(p)
	if err := cfg.Validate(); err != nil {
		return err
	}
	cal, _ := Calibration(p.Bandwidth, p.SpreadingFactor)
	if p.Calibration != nil {
		cal = *p.Calibration
	}
	events := IrqRangingSlaveResponseDone | IrqRangingSlaveRequestDiscard
	if role == RoleMaster {
		events = IrqRangingMasterResultValid | IrqRangingMasterTimeout
	}
	m := r.route(events)
	cfg.IRQ = &m

	err := r.Standby(StandbyRC)
	if err != nil {
		return err
	}

	err = r.clearRangeSamples()
	if err != nil {
		return err
	}

	err = r.apply(cfg)
	if err != nil {
		return err
	}

	reversed := []byte{addr[3], addr[2], addr[1], addr[0]}
	if role == RoleSlave {
		err = r.WriteRegister(RegRangingSlaveAddr, reversed...)
		if err == nil {
			err = r.WriteRegister(RegRangingAddrLength, 0x03)
		}
	} else {
		err = r.WriteRegister(RegRangingMasterAddr, reversed...)
	}
	if err != nil {
		return err
	}

	err = r.WriteRegister(RegRangingCalibrationHi, byte(cal>>8), byte(cal))
	if err != nil {
		return err
	}

	err = r.command(OpSetRangingRole, byte(role))
	if err != nil {
		return err
	}

	err = r.SetHighSensitivityLNA(true)
	if err != nil {
		return err
	}

	r.ranging = &RangingSession{
		Role:        role,
		Address:     addr,
		Params:      p,
		Calibration: cal,
		State:       RangingConfigured,
	}
	r.log.WithFields(logrus.Fields{"role": role, "addr": fmt.Sprintf("%x", addr)}).Debug("ranging configured")
	return nil
}

// clearRangeSamples pulses bit 5 of the filter reset register.
func (r *Radio) clearRangeSamples() error {
	b, err := r.ReadRegister(RegRangingFilterReset, 1)
	if err != nil {
		return err
	}
	err = r.WriteRegister(RegRangingFilterReset, b[0]|0x20)
	if err != nil {
		return err
	}
	return r.WriteRegister(RegRangingFilterReset, b[0]&^0x20)
}

// RangeMaster runs one ranging exchange against the slave at addr and
// returns the measured distance.
func (r *Radio) RangeMaster(addr [4]byte, opts RangingOptions) (RangingResult, error) {
	opts = opts.withDefaults(RoleMaster)
	if opts.Delay > 0 {
		time.Sleep(opts.Delay)
	}

	arm := func() error {
		err := r.ConfigureRanging(RoleMaster, addr, opts.Params)
		if err != nil {
			return err
		}
		err = r.setTx(TimeoutContinuous)
		if err != nil {
			return err
		}
		r.ranging.State = RangingWaiting
		return nil
	}

	if err := arm(); err != nil {
		return RangingResult{}, err
	}
	deadline := time.Now().Add(opts.Timeout)
	resend := time.Now().Add(opts.Resend)
	for time.Now().Before(deadline) {
		irq, err := r.rangingEvents()
		if err != nil {
			return RangingResult{}, err
		}
		switch {
		case irq.Has(IrqRangingMasterResultValid):
			res, err := r.readRangingResult(opts.Filtered)
			if err != nil {
				return RangingResult{}, err
			}
			if r.ranging != nil {
				r.ranging.State = RangingResultValid
				r.ranging.Result = res
			}
			return res, nil
		case irq.Has(IrqRangingMasterTimeout):
			r.log.Debug("ranging master timeout, resending")
			time.Sleep(opts.Pause)
			if err := arm(); err != nil {
				return RangingResult{}, err
			}
			resend = time.Now().Add(opts.Resend)
		}
		if time.Now().After(resend) {
			r.log.Debug("ranging resend")
			if err := arm(); err != nil {
				return RangingResult{}, err
			}
			resend = time.Now().Add(opts.Resend)
		}
		time.Sleep(r.opts.PollInterval)
	}

	return RangingResult{}, r.rangingTimedOut(nil)
}

// RangeSlave answers one ranging request addressed to addr.
func (r *Radio) RangeSlave(addr [4]byte, opts RangingOptions) error {
	opts = opts.withDefaults(RoleSlave)

	arm := func() error {
		err := r.ConfigureRanging(RoleSlave, addr, opts.Params)
		if err != nil {
			return err
		}
		err = r.setRx(TimeoutContinuous)
		if err != nil {
			return err
		}
		r.ranging.State = RangingWaiting
		return nil
	}

	if err := arm(); err != nil {
		return err
	}
	discards := 0
	deadline := time.Now().Add(opts.Timeout)
	resend := time.Now().Add(opts.Resend)
	for time.Now().Before(deadline) {
		irq, err := r.rangingEvents()
		if err != nil {
			return err
		}
		switch {
		case irq.Has(IrqRangingSlaveResponseDone):
			if err := r.Standby(StandbyRC); err != nil {
				return err
			}
			if r.ranging != nil {
				r.ranging.State = RangingResultValid
			}
			return nil
		case irq.Has(IrqRangingSlaveRequestDiscard):
			discards++
			r.log.Debug("ranging request discarded, listening again")
			if r.ranging != nil {
				r.ranging.State = RangingDiscarded
			}
			if err := arm(); err != nil {
				return err
			}
			resend = time.Now().Add(opts.Resend)
		}
		if time.Now().After(resend) {
			if err := arm(); err != nil {
				return err
			}
			resend = time.Now().Add(opts.Resend)
		}
		time.Sleep(r.opts.PollInterval)
	}

	if discards > 0 {
		return r.rangingTimedOut(ErrRangingDiscard)
	}
	return r.rangingTimedOut(nil)
}

// rangingEvents returns and clears pending IRQ flags, reading the register
// only when the DIO line (if any) is up.
func (r *Radio) rangingEvents() (IrqMask, error) {
	if r.dio != nil && r.dio.Read() == gpio.Low {
		return 0, nil
	}
	return r.IrqStatus()
}

func (r *Radio) rangingTimedOut(cause error) error {
	err := r.ClearIrqStatus(IrqAll)
	if err != nil {
		return err
	}
	err = r.Standby(StandbyRC)
	if err != nil {
		return err
	}
	if r.ranging != nil {
		r.ranging.State = RangingTimedOut
	}
	r.log.Warn("ranging timed out")
	r.timedOut()
	if cause != nil {
		return fmt.Errorf("%w: %w", ErrRangingTimeout, cause)
	}
	return ErrRangingTimeout
}

func (r *Radio) readRangingResult(filtered bool) (RangingResult, error) {
	err := r.Standby(StandbyXOSC)
	if err != nil {
		return RangingResult{}, err
	}

	err = r.updateRegister(RegLoRaModemClock, 0x02, 0x02)
	if err != nil {
		return RangingResult{}, err
	}

	kind := byte(0x00)
	if filtered {
		kind = 0x30
	}
	err = r.updateRegister(RegRangingResultConfig, 0x30, kind)
	if err != nil {
		return RangingResult{}, err
	}

	b, err := r.ReadRegister(RegRangingResult, 4)
	if err != nil {
		return RangingResult{}, err
	}

	err = r.Standby(StandbyRC)
	if err != nil {
		return RangingResult{}, err
	}

	raw := twos(uint32(b[0])<<16|uint32(b[1])<<8|uint32(b[2]), 24)
	res := RangingResult{
		Raw:      raw,
		Meters:   RangeMeters(raw, r.applied.LoRa.Bandwidth, filtered),
		RSSI:     -float64(b[3]) / 2,
		Filtered: filtered,
	}
	r.log.WithFields(logrus.Fields{"raw": raw, "meters": res.Meters}).Info("ranging result")
	return res, nil
}

// StopRanging leaves ranging mode and restores the last configuration.
func (r *Radio) StopRanging() error {
	r.ranging = nil
	if r.cfg == nil {
		return r.Standby(StandbyRC)
	}
	return r.apply(*r.cfg)
}

// FrequencyErrorIndicator returns the frequency error of the last ranging
// exchange in Hz.
func (r *Radio) FrequencyErrorIndicator() (float64, error) {
	err := r.Standby(StandbyXOSC)
	if err != nil {
		return 0, err
	}
	b, err := r.ReadRegister(RegFreqErrorIndicator, 3)
	if err != nil {
		return 0, err
	}
	err = r.Standby(StandbyRC)
	if err != nil {
		return 0, err
	}
	raw := uint32(b[0]&0x0F)<<16 | uint32(b[1])<<8 | uint32(b[2])
	hz := r.applied.LoRa.Bandwidth.Hz()
	if hz == 0 {
		return 0, ErrNotConfigured
	}
	return 1.55 * float64(twos(raw, 20)) / (1625000 / float64(hz)), nil
}
