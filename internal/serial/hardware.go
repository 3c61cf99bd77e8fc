package serial

import (
	"errors"
	"fmt"
	"os"
	"time"

	gbserial "github.com/goburrow/serial"
)

// HardwareOptions describes the physical port.
type HardwareOptions struct {
	Device   string // device path; empty selects ttyS<PortNum>
	PortNum  uint8
	BaudRate uint32
	DataBits int8
	StopBits int8
	Parity   int8 // 0 none, 1 even, 2 odd
}

// readTimeout bounds each blocking port read so the pump can observe
// shutdown.
const readTimeout = 100 * time.Millisecond

// OpenHardware opens the physical serial port through the goburrow driver.
func OpenHardware(opts HardwareOptions) (Port, error) {
	device := opts.Device
	if device == "" {
		device = os.Getenv("NTRIPDUO_SERIAL")
	}
	if device == "" {
		device = fmt.Sprintf("/dev/ttyS%d", opts.PortNum)
	}

	parity := "N"
	switch opts.Parity {
	case 1:
		parity = "E"
	case 2:
		parity = "O"
	}

	cfg := gbserial.Config{
		Address:  device,
		BaudRate: int(opts.BaudRate),
		DataBits: int(opts.DataBits),
		StopBits: int(opts.StopBits),
		Parity:   parity,
		Timeout:  readTimeout,
	}

	port, err := gbserial.Open(&cfg)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", device, err)
	}
	return &hardwarePort{port: port}, nil
}

// hardwarePort translates the driver's timeout sentinel into the quiet
// zero-read the pump expects.
type hardwarePort struct {
	port gbserial.Port
}

func (p *hardwarePort) Read(buf []byte) (int, error) {
	n, err := p.port.Read(buf)
	if err != nil && errors.Is(err, gbserial.ErrTimeout) {
		return n, nil
	}
	return n, err
}

func (p *hardwarePort) Write(buf []byte) (int, error) {
	return p.port.Write(buf)
}

func (p *hardwarePort) Close() error {
	return p.port.Close()
}
