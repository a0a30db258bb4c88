package battery

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Status is one battery reading.
type Status struct {
	Percent   int  `json:"percent"`    // 0-100
	VoltageMv int  `json:"voltage_mv"` // 0 when unknown
	Charging  bool `json:"charging"`
}

// Reader abstracts the battery gauge so the header can be drawn on
// development machines.
type Reader interface {
	Read(ctx context.Context) (Status, error)
}

// PiSugar3 registers.
const (
	regPower     = 0x02 // bit 7: external power present
	regVoltageHi = 0x22
	regVoltageLo = 0x23
	regPercent   = 0x2A

	DefaultAddr = 0x57
)

// Fixed always returns the same status.
type Fixed Status

func (f Fixed) Read(context.Context) (Status, error) { return Status(f), nil }

// I2CReader reads a PiSugar3 gauge. The bus is opened per read so nothing
// stays open across deep sleep.
type I2CReader struct {
	Bus  string // "" = first bus
	Addr uint16
}

func NewI2CReader(bus string, addr uint16) *I2CReader {
	if addr == 0 {
		addr = DefaultAddr
	}
	return &I2CReader{Bus: bus, Addr: addr}
}

func (r *I2CReader) Read(_ context.Context) (Status, error) {
	if runtime.GOOS != "linux" {
		return Status{}, errors.New("battery: i2c reader unavailable on this platform")
	}
	if _, err := host.Init(); err != nil {
		return Status{}, err
	}

	bus, err := i2creg.Open(r.Bus)
	if err != nil {
		return Status{}, err
	}
	defer bus.Close()

	return readPiSugar(&i2c.Dev{Bus: bus, Addr: r.Addr})
}

// txer is the part of i2c.Dev the register reads need.
type txer interface {
	Tx(w, r []byte) error
}

func readPiSugar(dev txer) (Status, error) {
	readReg := func(reg byte) (byte, error) {
		buf := []byte{0}
		if err := dev.Tx([]byte{reg}, buf); err != nil {
			return 0, fmt.Errorf("battery: read reg 0x%02X: %w", reg, err)
		}
		return buf[0], nil
	}

	hi, err := readReg(regVoltageHi)
	if err != nil {
		return Status{}, err
	}
	lo, err := readReg(regVoltageLo)
	if err != nil {
		return Status{}, err
	}
	pct, err := readReg(regPercent)
	if err != nil {
		return Status{}, err
	}
	power, err := readReg(regPower)
	if err != nil {
		return Status{}, err
	}

	return Status{
		Percent:   int(min(pct, 100)),
		VoltageMv: int(uint16(hi)<<8 | uint16(lo)),
		Charging:  power&0x80 != 0,
	}, nil
}
