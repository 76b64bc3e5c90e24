package sink

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"go.bug.st/serial"

	"github.com/shaunagostinho/fixbridge/internal/config"
	"github.com/shaunagostinho/fixbridge/internal/gps"
)

// opener is serial.Open, replaceable in tests.
type opener func(portPath string, mode *serial.Mode) (io.WriteCloser, error)

func openSerial(portPath string, mode *serial.Mode) (io.WriteCloser, error) {
	port, err := serial.Open(portPath, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Serial emits each accepted fix as NMEA GGA + RMC sentences on a UART, so
// devices that expect a GPS receiver can follow the web source. The port is
// opened on first use and reopened after a write error.
type Serial struct {
	portPath string
	baudRate int
	open     opener

	mu   sync.Mutex
	port io.WriteCloser
}

func NewSerial(cfg config.SerialConfig) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // Standard NMEA default
	}
	return &Serial{portPath: cfg.PortPath, baudRate: cfg.BaudRate, open: openSerial}
}

func (s *Serial) connect() error {
	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := s.open(s.portPath, mode)
	if err != nil {
		return fmt.Errorf("serial: failed to open %s: %w", s.portPath, err)
	}
	s.port = port
	log.Printf("[sink] serial connected to %s at %d baud", s.portPath, s.baudRate)
	return nil
}

func (s *Serial) Write(_ context.Context, fix Fix) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		if err := s.connect(); err != nil {
			return err
		}
	}

	t := fix.Triplet()
	msg := gps.EncodeGGA(t, fix.UpdatedAt) + gps.EncodeRMC(t, fix.UpdatedAt)
	if _, err := s.port.Write([]byte(msg)); err != nil {
		s.port.Close()
		s.port = nil
		return fmt.Errorf("serial: write %s: %w", s.portPath, err)
	}
	return nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		err := s.port.Close()
		s.port = nil
		return err
	}
	return nil
}
