package modbus

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/fieldgrid/otlink/config"
	"github.com/fieldgrid/otlink/drivers"
)

// Modbus function codes supported for reads.
const (
	FunctionCoils            uint8 = 1
	FunctionDiscreteInputs   uint8 = 2
	FunctionHoldingRegisters uint8 = 3
	FunctionInputRegisters   uint8 = 4
)

// Request addresses a single coil or register.
type Request struct {
	Function uint8   `json:"function"`
	Address  uint16  `json:"address"`
	Signed   bool    `json:"signed,omitempty"`
	Scale    float64 `json:"scale,omitempty"`
}

// Value is the outcome of one address read. A failed address carries Err and
// never aborts the rest of the batch.
type Value struct {
	Function uint8
	Address  uint16
	Raw      []byte
	Value    interface{}
	Err      error
}

// Driver implements the Modbus adapter.
type Driver struct {
	factory ClientFactory
	logger  zerolog.Logger
}

// NewDriver builds a Modbus driver. A nil factory defaults to transport
// dispatch with a 5s I/O timeout.
func NewDriver(factory ClientFactory, logger zerolog.Logger) *Driver {
	if factory == nil {
		factory = NewClientFactory(0)
	}
	return &Driver{factory: factory, logger: logger}
}

// Protocol identifies the driver.
func (d *Driver) Protocol() config.Protocol { return config.ProtocolModbus }

// Connect opens the TCP or serial transport and binds the unit address.
func (d *Driver) Connect(_ context.Context, cfg config.ConnectionConfig) (drivers.Handle, error) {
	settings := cfg.Modbus
	if settings == nil {
		return nil, &config.ConfigError{Protocol: config.ProtocolModbus, Field: "config", Reason: "is empty"}
	}
	client, err := d.factory(*settings)
	if err != nil {
		return nil, &drivers.ConnectError{Protocol: config.ProtocolModbus, Target: targetLabel(*settings), Err: err}
	}
	d.logger.Debug().Str("target", targetLabel(*settings)).Uint8("unit_id", settings.UnitID).Msg("modbus: connected")
	return &Handle{client: client, settings: *settings, logger: d.logger}, nil
}

func targetLabel(settings config.ModbusSettings) string {
	if settings.IsRTU() {
		return settings.Device
	}
	return settings.Address()
}

// Handle wraps a live Modbus client.
type Handle struct {
	client   Client
	settings config.ModbusSettings
	logger   zerolog.Logger
}

// Verify always reports true: Modbus has no independent liveness probe, a
// dead transport only surfaces on the next read. Callers evict the handle via
// the pool when a read fails.
func (h *Handle) Verify(context.Context) bool { return true }

// Close tears down the transport.
func (h *Handle) Close() error {
	return h.client.Close()
}

// Read performs one request per address via the matching function code. A
// failure on one address is recorded on its value and the batch continues
// with the next address.
func (h *Handle) Read(ctx context.Context, requests []Request) []Value {
	values := make([]Value, 0, len(requests))
	for _, req := range requests {
		if err := ctx.Err(); err != nil {
			values = append(values, Value{Function: req.Function, Address: req.Address, Err: err})
			continue
		}
		values = append(values, h.readOne(req))
	}
	return values
}

func (h *Handle) readOne(req Request) Value {
	value := Value{Function: req.Function, Address: req.Address}

	var (
		raw []byte
		err error
	)
	switch req.Function {
	case FunctionCoils:
		raw, err = h.client.ReadCoils(req.Address, 1)
	case FunctionDiscreteInputs:
		raw, err = h.client.ReadDiscreteInputs(req.Address, 1)
	case FunctionHoldingRegisters:
		raw, err = h.client.ReadHoldingRegisters(req.Address, 1)
	case FunctionInputRegisters:
		raw, err = h.client.ReadInputRegisters(req.Address, 1)
	default:
		value.Err = &drivers.ReadError{
			Protocol: config.ProtocolModbus,
			Target:   fmt.Sprintf("address %d", req.Address),
			Err:      fmt.Errorf("unsupported function code %d", req.Function),
		}
		return value
	}
	if err != nil {
		h.logger.Warn().Err(err).Uint16("address", req.Address).Uint8("function", req.Function).Msg("modbus: address read failed")
		value.Err = &drivers.ReadError{
			Protocol: config.ProtocolModbus,
			Target:   fmt.Sprintf("address %d", req.Address),
			Err:      err,
		}
		return value
	}

	value.Raw = raw
	value.Value, value.Err = decodeValue(req, raw)
	return value
}

func decodeValue(req Request, raw []byte) (interface{}, error) {
	switch req.Function {
	case FunctionCoils, FunctionDiscreteInputs:
		if len(raw) == 0 {
			return nil, fmt.Errorf("empty response for address %d", req.Address)
		}
		return raw[0]&0x01 == 1, nil
	case FunctionHoldingRegisters, FunctionInputRegisters:
		if len(raw) < 2 {
			return nil, fmt.Errorf("short response for address %d", req.Address)
		}
		word := binary.BigEndian.Uint16(raw)
		base := decimal.NewFromInt(int64(word))
		if req.Signed {
			base = decimal.NewFromInt(int64(int16(word)))
		}
		if req.Scale != 0 && req.Scale != 1 {
			base = base.Mul(decimal.NewFromFloat(req.Scale))
		}
		return base, nil
	default:
		return nil, fmt.Errorf("unsupported function code %d", req.Function)
	}
}

// ErrorCount reports how many values in a batch carry an error.
func ErrorCount(values []Value) int {
	count := 0
	for _, v := range values {
		if v.Err != nil {
			count++
		}
	}
	return count
}
