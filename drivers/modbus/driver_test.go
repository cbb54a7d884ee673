package modbus

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fieldgrid/otlink/config"
	"github.com/fieldgrid/otlink/drivers"
)

type fakeInvocation struct {
	function uint8
	address  uint16
}

type fakeClient struct {
	mu         sync.Mutex
	responses  map[fakeInvocation][]byte
	failures   map[fakeInvocation]error
	calls      []fakeInvocation
	closeCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		responses: make(map[fakeInvocation][]byte),
		failures:  make(map[fakeInvocation]error),
	}
}

func (c *fakeClient) respond(function uint8, address uint16, payload []byte) {
	c.responses[fakeInvocation{function: function, address: address}] = payload
}

func (c *fakeClient) fail(function uint8, address uint16, err error) {
	c.failures[fakeInvocation{function: function, address: address}] = err
}

func (c *fakeClient) recordCall(function uint8, address uint16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := fakeInvocation{function: function, address: address}
	c.calls = append(c.calls, call)
	if err, ok := c.failures[call]; ok {
		return nil, err
	}
	payload, ok := c.responses[call]
	if !ok {
		return nil, fmt.Errorf("unexpected read %v", call)
	}
	return payload, nil
}

func (c *fakeClient) ReadCoils(address, _ uint16) ([]byte, error) {
	return c.recordCall(FunctionCoils, address)
}

func (c *fakeClient) ReadDiscreteInputs(address, _ uint16) ([]byte, error) {
	return c.recordCall(FunctionDiscreteInputs, address)
}

func (c *fakeClient) ReadHoldingRegisters(address, _ uint16) ([]byte, error) {
	return c.recordCall(FunctionHoldingRegisters, address)
}

func (c *fakeClient) ReadInputRegisters(address, _ uint16) ([]byte, error) {
	return c.recordCall(FunctionInputRegisters, address)
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return nil
}

func newTestHandle(client Client) *Handle {
	return &Handle{client: client, logger: zerolog.New(io.Discard)}
}

func TestReadBatchContinuesPastFailedAddress(t *testing.T) {
	client := newFakeClient()
	client.respond(FunctionHoldingRegisters, 10, []byte{0x00, 0x15})
	client.respond(FunctionHoldingRegisters, 11, []byte{0x00, 0x20})
	client.fail(FunctionHoldingRegisters, 12, fmt.Errorf("illegal data address"))
	client.respond(FunctionHoldingRegisters, 13, []byte{0x01, 0x00})

	handle := newTestHandle(client)
	values := handle.Read(context.Background(), []Request{
		{Function: FunctionHoldingRegisters, Address: 10},
		{Function: FunctionHoldingRegisters, Address: 11},
		{Function: FunctionHoldingRegisters, Address: 12},
		{Function: FunctionHoldingRegisters, Address: 13},
	})

	require.Len(t, values, 4)
	require.NoError(t, values[0].Err)
	require.NoError(t, values[1].Err)
	require.Error(t, values[2].Err)
	require.NoError(t, values[3].Err)

	var readErr *drivers.ReadError
	require.ErrorAs(t, values[2].Err, &readErr)
	require.Equal(t, config.ProtocolModbus, readErr.Protocol)

	require.Equal(t, 1, ErrorCount(values))
	require.Len(t, client.calls, 4, "a failed address must not short-circuit the batch")
}

func TestReadDecodesCoilAndRegisterValues(t *testing.T) {
	client := newFakeClient()
	client.respond(FunctionCoils, 0, []byte{0x01})
	client.respond(FunctionDiscreteInputs, 1, []byte{0x00})
	client.respond(FunctionInputRegisters, 2, []byte{0xFF, 0x38})

	handle := newTestHandle(client)
	values := handle.Read(context.Background(), []Request{
		{Function: FunctionCoils, Address: 0},
		{Function: FunctionDiscreteInputs, Address: 1},
		{Function: FunctionInputRegisters, Address: 2, Signed: true, Scale: 0.1},
	})

	require.Equal(t, true, values[0].Value)
	require.Equal(t, false, values[1].Value)

	scaled, ok := values[2].Value.(decimal.Decimal)
	require.True(t, ok)
	require.True(t, scaled.Equal(decimal.NewFromFloat(-20.0)), "got %s", scaled)
}

func TestReadRejectsUnsupportedFunctionCode(t *testing.T) {
	handle := newTestHandle(newFakeClient())
	values := handle.Read(context.Background(), []Request{{Function: 6, Address: 0}})
	require.Len(t, values, 1)
	require.Error(t, values[0].Err)
}

func TestReadStopsIssuingRequestsAfterCancel(t *testing.T) {
	client := newFakeClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	handle := newTestHandle(client)
	values := handle.Read(ctx, []Request{
		{Function: FunctionCoils, Address: 0},
		{Function: FunctionCoils, Address: 1},
	})

	require.Len(t, values, 2)
	for _, v := range values {
		require.Error(t, v.Err)
	}
	require.Empty(t, client.calls)
}

func TestVerifyAlwaysTrue(t *testing.T) {
	handle := newTestHandle(newFakeClient())
	require.True(t, handle.Verify(context.Background()))
}

func TestDriverConnectWrapsFactoryFailure(t *testing.T) {
	driver := NewDriver(func(config.ModbusSettings) (Client, error) {
		return nil, fmt.Errorf("connection refused")
	}, zerolog.New(io.Discard))

	cfg := config.ConnectionConfig{
		Protocol: config.ProtocolModbus,
		Modbus:   &config.ModbusSettings{Host: "10.0.0.5", Port: 502, UnitID: 1},
	}
	_, err := driver.Connect(context.Background(), cfg)

	var connectErr *drivers.ConnectError
	require.ErrorAs(t, err, &connectErr)
	require.Equal(t, "10.0.0.5:502", connectErr.Target)
}

func TestDriverConnectRequiresSettings(t *testing.T) {
	driver := NewDriver(nil, zerolog.New(io.Discard))
	_, err := driver.Connect(context.Background(), config.ConnectionConfig{Protocol: config.ProtocolModbus})
	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}
