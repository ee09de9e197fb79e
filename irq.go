package gsx1280

import (
	"fmt"
	"os"
	"time"

	"periph.io/x/conn/v3/gpio"
)

const busyPoll = 20 * time.Microsecond

// IrqMapping enables IRQ sources and routes them to the DIO lines.
type IrqMapping struct {
	Enable IrqMask
	DIO1   IrqMask
	DIO2   IrqMask
	DIO3   IrqMask
}

// route returns a mapping enabling every source and putting events on the
// configured DIO line.
func (r *Radio) route(events IrqMask) IrqMapping {
	m := IrqMapping{Enable: IrqAll}
	switch r.opts.DIOLine {
	case 1:
		m.DIO1 = events
	case 2:
		m.DIO2 = events
	case 3:
		m.DIO3 = events
	}
	return m
}

// SetDioIrqParams programs the IRQ enable mask and DIO routing.
func (r *Radio) SetDioIrqParams(m IrqMapping) error {
	return r.command(OpSetDioIrqParams,
		byte(m.Enable>>8), byte(m.Enable),
		byte(m.DIO1>>8), byte(m.DIO1),
		byte(m.DIO2>>8), byte(m.DIO2),
		byte(m.DIO3>>8), byte(m.DIO3),
	)
}

func (r *Radio) irqStatus() (IrqMask, error) {
	b, err := r.query(OpGetIrqStatus, 2, 2)
	if err != nil {
		return 0, err
	}
	return IrqMask(b[0])<<8 | IrqMask(b[1]), nil
}

// IrqStatus reads the pending IRQ flags and clears the ones it returns.
func (r *Radio) IrqStatus() (IrqMask, error) {
	irq, err := r.irqStatus()
	if err != nil {
		return 0, err
	}
	if irq == 0 {
		return 0, nil
	}
	return irq, r.ClearIrqStatus(irq)
}

// ClearIrqStatus clears the flags in mask.
func (r *Radio) ClearIrqStatus(mask IrqMask) error {
	return r.command(OpClrIrqStatus, byte(mask>>8), byte(mask))
}

func (r *Radio) completionTimeout() time.Duration {
	if r.dio != nil {
		return r.opts.IrqTimeout
	}
	return r.opts.PollTimeout
}

// waitIRQ blocks until one of the want flags is raised or timeout passes.
// With a DIO pin the register is only read once the line is high;
// without one it is polled. The pending flags are cleared on both
// outcomes. notify selects whether a timeout is reported to OnTimeout.
func (r *Radio) waitIRQ(want IrqMask, timeout time.Duration, notify bool) (IrqMask, error) {
	deadline := time.Now().Add(timeout)
	for {
		if r.dio == nil || r.dio.Read() == gpio.High {
			irq, err := r.irqStatus()
			if err != nil {
				return 0, err
			}
			if irq.Has(want) {
				return irq, r.ClearIrqStatus(IrqAll)
			}
			if r.dio != nil && irq != 0 {
				r.log.WithField("irq", irq).Debug("unexpected irq on dio")
				if err := r.ClearIrqStatus(irq); err != nil {
					return 0, err
				}
			}
		}
		if !time.Now().Before(deadline) {
			break
		}
		time.Sleep(r.opts.PollInterval)
	}

	if err := r.ClearIrqStatus(IrqAll); err != nil {
		return 0, err
	}
	if notify {
		r.log.WithField("want", want).Warn("irq wait timeout")
		r.timedOut()
	}
	return 0, ErrIrqTimeout
}

// busyReady spins until the busy line drops or BusyTimeout passes.
func (r *Radio) busyReady() bool {
	deadline := time.Now().Add(r.opts.BusyTimeout)
	for r.busy.Read() == gpio.High {
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(busyPoll)
	}
	return true
}

// busyTimedOut counts a busy timeout and, once BusyThreshold consecutive
// timeouts are reached, resets and reconfigures the chip.
func (r *Radio) busyTimedOut() error {
	r.busyTimeouts++
	r.log.WithField("count", r.busyTimeouts).Warn("busy line timeout")
	r.timedOut()
	if r.recovering || r.busyTimeouts < r.opts.BusyThreshold {
		return ErrBusTimeout
	}

	n := r.busyTimeouts
	err := r.recover()
	r.busyTimeouts = 0
	return &RecoveryError{Timeouts: n, Err: err}
}

func (r *Radio) recover() error {
	r.recovering = true
	defer func() { r.recovering = false }()

	r.log.Error("busy line stuck, resetting radio")
	r.appendDiag(time.Now())

	err := r.hardReset(r.opts.RecoveryHold, r.opts.RecoverySettle)
	if err == nil && r.cfg != nil {
		err = r.apply(*r.cfg)
	}
	if err != nil {
		r.log.WithError(err).Error("radio recovery failed")
	}
	return err
}

// appendDiag records a recovery in the diagnostic file. Failures are
// logged and otherwise ignored.
func (r *Radio) appendDiag(t time.Time) {
	if r.opts.DiagLog == "" {
		return
	}
	f, err := os.OpenFile(r.opts.DiagLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		r.log.WithError(err).Warn("open diagnostic log")
		return
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "sb:%s\n", t.Format(time.RFC3339)); err != nil {
		r.log.WithError(err).Warn("write diagnostic log")
	}
}
