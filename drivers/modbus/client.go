package modbus

import (
	"fmt"
	"time"

	"github.com/goburrow/modbus"

	"github.com/fieldgrid/otlink/config"
)

// Client defines the subset of Modbus operations required by the driver.
type Client interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	Close() error
}

// ClientFactory creates Modbus clients for a device endpoint.
type ClientFactory func(settings config.ModbusSettings) (Client, error)

type tcpClient struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

type rtuClient struct {
	handler *modbus.RTUClientHandler
	client  modbus.Client
}

// NewClientFactory returns a factory that dispatches on the configured
// transport type.
func NewClientFactory(timeout time.Duration) ClientFactory {
	tcp := NewTCPClientFactory(timeout)
	rtu := NewRTUClientFactory(timeout)
	return func(settings config.ModbusSettings) (Client, error) {
		if settings.IsRTU() {
			return rtu(settings)
		}
		return tcp(settings)
	}
}

// NewTCPClientFactory returns a factory that creates TCP Modbus clients.
func NewTCPClientFactory(timeout time.Duration) ClientFactory {
	return func(settings config.ModbusSettings) (Client, error) {
		if settings.Host == "" {
			return nil, fmt.Errorf("device host is required")
		}
		handler := modbus.NewTCPClientHandler(settings.Address())
		handler.SlaveId = settings.UnitID
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		handler.Timeout = timeout
		if err := handler.Connect(); err != nil {
			return nil, fmt.Errorf("connect %s: %w", settings.Address(), err)
		}
		return &tcpClient{handler: handler, client: modbus.NewClient(handler)}, nil
	}
}

// NewRTUClientFactory returns a factory that creates serial Modbus clients.
func NewRTUClientFactory(timeout time.Duration) ClientFactory {
	return func(settings config.ModbusSettings) (Client, error) {
		if settings.Device == "" {
			return nil, fmt.Errorf("serial device is required")
		}
		handler := modbus.NewRTUClientHandler(settings.Device)
		handler.SlaveId = settings.UnitID
		if settings.BaudRate > 0 {
			handler.BaudRate = settings.BaudRate
		}
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		handler.Timeout = timeout
		if err := handler.Connect(); err != nil {
			return nil, fmt.Errorf("open %s: %w", settings.Device, err)
		}
		return &rtuClient{handler: handler, client: modbus.NewClient(handler)}, nil
	}
}

func (c *tcpClient) ReadCoils(address, quantity uint16) ([]byte, error) {
	return c.client.ReadCoils(address, quantity)
}

func (c *tcpClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return c.client.ReadDiscreteInputs(address, quantity)
}

func (c *tcpClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadHoldingRegisters(address, quantity)
}

func (c *tcpClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadInputRegisters(address, quantity)
}

func (c *tcpClient) Close() error {
	if c.handler != nil {
		return c.handler.Close()
	}
	return nil
}

func (c *rtuClient) ReadCoils(address, quantity uint16) ([]byte, error) {
	return c.client.ReadCoils(address, quantity)
}

func (c *rtuClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return c.client.ReadDiscreteInputs(address, quantity)
}

func (c *rtuClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadHoldingRegisters(address, quantity)
}

func (c *rtuClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadInputRegisters(address, quantity)
}

func (c *rtuClient) Close() error {
	if c.handler != nil {
		return c.handler.Close()
	}
	return nil
}
