package marker

import (
	"errors"
	"fmt"

	"go.bug.st/serial"

	"github.com/antoniostano/stroop/internal/reliability"
)

// Line is the hardware trigger line.
type Line interface {
	Write(p []byte) (int, error)
	Close() error
}

// OpenSerial opens port at baud with 8N1 framing. Errors that retrying
// cannot fix are marked reliability.ErrPermanent.
func OpenSerial(port string, baud int) (Line, error) {
	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		if isPermanentPortError(err) {
			return nil, fmt.Errorf("open serial %s: %w: %w", port, err, reliability.ErrPermanent)
		}
		return nil, fmt.Errorf("open serial %s: %w", port, err)
	}
	return p, nil
}

func isPermanentPortError(err error) bool {
	var perr *serial.PortError
	if !errors.As(err, &perr) {
		return false
	}
	switch perr.Code() {
	case serial.PortNotFound, serial.InvalidSerialPort, serial.PermissionDenied,
		serial.InvalidSpeed, serial.InvalidDataBits, serial.InvalidParity, serial.InvalidStopBits:
		return true
	default:
		return false
	}
}

// ListPorts returns the serial ports visible to the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
