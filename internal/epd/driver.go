package epd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

const (
	Width  = 880
	Height = 528

	planeSize = Width / 8 * Height
)

// Controller commands.
const (
	cmdDriverOutput     = 0x01
	cmdSoftStart        = 0x0C
	cmdDeepSleep        = 0x10
	cmdDataEntryMode    = 0x11
	cmdSWReset          = 0x12
	cmdTempSensor       = 0x18
	cmdMasterActivation = 0x20
	cmdUpdateControl2   = 0x22
	cmdWriteRAMBW       = 0x24
	cmdBorderWaveform   = 0x3C
	cmdRAMXRange        = 0x44
	cmdRAMYRange        = 0x45
	cmdAutoWriteRed     = 0x46
	cmdAutoWriteBW      = 0x47
	cmdRAMXCounter      = 0x4E
	cmdRAMYCounter      = 0x4F
)

// Pins are BCM GPIO numbers of the HAT wiring.
type Pins struct {
	RST  int
	DC   int
	BUSY int
	PWR  int // 0 when the HAT has no power-enable line
}

// DefaultPins is the Waveshare e-Paper HAT wiring.
var DefaultPins = Pins{RST: 17, DC: 25, BUSY: 24, PWR: 18}

type Config struct {
	// SPIPort is the spireg name; "" picks the first port (/dev/spidev0.0).
	SPIPort string
	SpeedHz int64
	Pins    Pins

	// BusyTimeout bounds one wait for the BUSY line; a full refresh takes
	// about 5 s.
	BusyTimeout time.Duration
}

// Driver talks to the panel controller. Build one with Open.
type Driver struct {
	port spi.PortCloser
	conn spi.Conn

	rst  gpio.PinOut
	dc   gpio.PinOut
	busy gpio.PinIn
	pwr  gpio.PinOut

	busyTimeout time.Duration
	sleep       func(time.Duration)
	asleep      bool
}

// Open initializes periph, the SPI port and the GPIO lines, then resets and
// initializes the controller.
func Open(ctx context.Context, cfg Config) (*Driver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("epd: periph host init failed: %w", err)
	}
	if cfg.SpeedHz <= 0 {
		cfg.SpeedHz = 4_000_000
	}
	if cfg.Pins == (Pins{}) {
		cfg.Pins = DefaultPins
	}

	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("epd: failed to open SPI port: %w", err)
	}
	conn, err := port.Connect(physic.Frequency(cfg.SpeedHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("epd: failed to connect SPI: %w", err)
	}

	pin := func(num int) (gpio.PinIO, error) {
		name := fmt.Sprintf("GPIO%d", num)
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("epd: gpio %s not found", name)
		}
		return p, nil
	}

	d := &Driver{port: port, conn: conn, busyTimeout: cfg.BusyTimeout, sleep: time.Sleep}
	var rst, dc, busy gpio.PinIO
	if rst, err = pin(cfg.Pins.RST); err == nil {
		if dc, err = pin(cfg.Pins.DC); err == nil {
			busy, err = pin(cfg.Pins.BUSY)
		}
	}
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	d.rst, d.dc, d.busy = rst, dc, busy
	if err := d.busy.In(gpio.PullDown, gpio.NoEdge); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("epd: busy pin: %w", err)
	}
	if cfg.Pins.PWR != 0 {
		if d.pwr, err = pin(cfg.Pins.PWR); err != nil {
			_ = port.Close()
			return nil, err
		}
	}

	if err := d.Init(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// newDriver wires a driver around already-configured lines.
func newDriver(conn spi.Conn, rst, dc gpio.PinOut, busy gpio.PinIn) *Driver {
	return &Driver{conn: conn, rst: rst, dc: dc, busy: busy, sleep: func(time.Duration) {}}
}

// Init resets the controller and loads the full-refresh waveform.
func (d *Driver) Init(ctx context.Context) error {
	if d.pwr != nil {
		if err := d.pwr.Out(gpio.High); err != nil {
			return err
		}
	}
	if err := d.reset(); err != nil {
		return err
	}

	if err := d.command(cmdSWReset); err != nil {
		return err
	}
	if err := d.waitIdle(ctx); err != nil {
		return err
	}

	seq := []struct {
		cmd  byte
		data []byte
		wait bool
	}{
		{cmdAutoWriteRed, []byte{0xF7}, true},
		{cmdAutoWriteBW, []byte{0xF7}, true},
		{cmdSoftStart, []byte{0xAE, 0xC7, 0xC3, 0xC0, 0x40}, false},
		// MUX = 527 gate lines.
		{cmdDriverOutput, []byte{0xAF, 0x02, 0x01}, false},
		{cmdDataEntryMode, []byte{0x01}, false},
		{cmdRAMXRange, []byte{0x00, 0x00, 0x6F, 0x03}, false},
		{cmdRAMYRange, []byte{0xFF, 0x03, 0x00, 0x00}, false},
		{cmdBorderWaveform, []byte{0x05}, false},
		// Internal temperature sensor.
		{cmdTempSensor, []byte{0x80}, false},
		{cmdUpdateControl2, []byte{0xB1}, false},
		{cmdMasterActivation, nil, true},
		{cmdRAMXCounter, []byte{0x00, 0x00}, false},
		{cmdRAMYCounter, []byte{0xAF, 0x02}, false},
	}
	for _, s := range seq {
		if err := d.command(s.cmd, s.data...); err != nil {
			return err
		}
		if s.wait {
			if err := d.waitIdle(ctx); err != nil {
				return err
			}
		}
	}
	d.asleep = false
	return nil
}

// Display writes a full frame and runs a full refresh.
func (d *Driver) Display(ctx context.Context, plane []byte) error {
	if len(plane) != planeSize {
		return fmt.Errorf("epd: invalid buffer size %d, expected %d", len(plane), planeSize)
	}
	if d.asleep {
		if err := d.Init(ctx); err != nil {
			return err
		}
	}

	if err := d.command(cmdRAMYCounter, 0xAF, 0x02); err != nil {
		return err
	}
	if err := d.command(cmdWriteRAMBW, plane...); err != nil {
		return err
	}
	if err := d.command(cmdUpdateControl2, 0xF7); err != nil {
		return err
	}
	if err := d.command(cmdMasterActivation); err != nil {
		return err
	}
	return d.waitIdle(ctx)
}

// Sleep enters deep sleep mode 1; the next Display re-initializes.
func (d *Driver) Sleep(context.Context) error {
	if err := d.command(cmdDeepSleep, 0x01); err != nil {
		return err
	}
	d.asleep = true
	if d.pwr != nil {
		return d.pwr.Out(gpio.Low)
	}
	return nil
}

func (d *Driver) Close() error {
	if d.port != nil {
		return d.port.Close()
	}
	return nil
}

func (d *Driver) reset() error {
	steps := []struct {
		level gpio.Level
		hold  time.Duration
	}{
		{gpio.High, 20 * time.Millisecond},
		{gpio.Low, 2 * time.Millisecond},
		{gpio.High, 20 * time.Millisecond},
	}
	for _, s := range steps {
		if err := d.rst.Out(s.level); err != nil {
			return fmt.Errorf("epd: reset: %w", err)
		}
		d.sleep(s.hold)
	}
	return nil
}

// maxTx is the spidev default buffer size.
const maxTx = 4096

// command sends cmd with DC low, then data with DC high.
func (d *Driver) command(cmd byte, data ...byte) error {
	if err := d.dc.Out(gpio.Low); err != nil {
		return err
	}
	if err := d.conn.Tx([]byte{cmd}, nil); err != nil {
		return fmt.Errorf("epd: command 0x%02X: %w", cmd, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := d.dc.Out(gpio.High); err != nil {
		return err
	}
	for len(data) > 0 {
		n := min(len(data), maxTx)
		if err := d.conn.Tx(data[:n], nil); err != nil {
			return fmt.Errorf("epd: data for 0x%02X: %w", cmd, err)
		}
		data = data[n:]
	}
	return nil
}

var errBusyTimeout = errors.New("epd: panel stayed busy")

// waitIdle polls BUSY (high = busy) until it drops, ctx ends or the busy
// timeout expires.
func (d *Driver) waitIdle(ctx context.Context) error {
	timeout := d.busyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for d.busy.Read() == gpio.High {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return errBusyTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
