package gsx1280

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/driver/driverreg"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// BusSpeed is the SPI clock used by Open.
const BusSpeed = 8 * physic.MegaHertz

// Pins names the host pins wired to the module. DIO may be empty, in
// which case the radio polls the IRQ register.
type Pins struct {
	SPI   string
	Busy  string
	Reset string
	DIO   string

	// TxEnable and RxEnable are the optional RF switch pins.
	TxEnable string
	RxEnable string
}

// Open initializes the host drivers, looks up the SPI port and pins by
// name and returns a reset radio.
func Open(pins Pins, opts Options) (*Radio, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}

	if _, err := driverreg.Init(); err != nil {
		return nil, err
	}

	p, err := spireg.Open(pins.SPI)
	if err != nil {
		return nil, fmt.Errorf("gsx1280: open %q: %w", pins.SPI, err)
	}

	c, err := p.Connect(BusSpeed, spi.Mode0, 8)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("gsx1280: connect %q: %w", pins.SPI, err)
	}

	busy := gpioreg.ByName(pins.Busy)
	if busy == nil {
		_ = p.Close()
		return nil, errors.New("gsx1280: failed to find BUSY pin")
	}

	reset := gpioreg.ByName(pins.Reset)
	if reset == nil {
		_ = p.Close()
		return nil, errors.New("gsx1280: failed to find RESET pin")
	}

	if pins.DIO != "" {
		var dio gpio.PinIO
		if dio = gpioreg.ByName(pins.DIO); dio == nil {
			_ = p.Close()
			return nil, errors.New("gsx1280: failed to find DIO pin")
		}
		opts.DIO = dio
	}

	for _, sw := range []struct {
		name string
		pin  *gpio.PinOut
	}{{pins.TxEnable, &opts.TxEnable}, {pins.RxEnable, &opts.RxEnable}} {
		if sw.name == "" {
			continue
		}
		pin := gpioreg.ByName(sw.name)
		if pin == nil {
			_ = p.Close()
			return nil, fmt.Errorf("gsx1280: failed to find RF switch pin %q", sw.name)
		}
		*sw.pin = pin
	}

	r, err := New(c, busy, reset, opts)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	r.port = p
	return r, nil
}
