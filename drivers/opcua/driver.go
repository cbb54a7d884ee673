package opcua

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"

	"github.com/fieldgrid/otlink/config"
	"github.com/fieldgrid/otlink/drivers"
)

// serverCurrentTime is the server status CurrentTime node, read as a cheap
// session liveness probe.
var serverCurrentTime = ua.NewNumericNodeID(0, 2258)

const verifyTimeout = 2 * time.Second

// Driver implements the OPC UA adapter.
type Driver struct {
	logger zerolog.Logger
}

// NewDriver builds an OPC UA driver.
func NewDriver(logger zerolog.Logger) *Driver {
	return &Driver{logger: logger}
}

// Protocol identifies the driver.
func (d *Driver) Protocol() config.Protocol { return config.ProtocolOPCUA }

// Connect establishes an authenticated session with the server. Anonymous
// login is used unless a username is configured.
func (d *Driver) Connect(ctx context.Context, cfg config.ConnectionConfig) (drivers.Handle, error) {
	settings := cfg.OPCUA
	if settings == nil {
		return nil, &config.ConfigError{Protocol: config.ProtocolOPCUA, Field: "config", Reason: "is empty"}
	}

	client, err := opcua.NewClient(settings.Endpoint, clientOptions(*settings)...)
	if err != nil {
		return nil, &drivers.ConnectError{Protocol: config.ProtocolOPCUA, Target: settings.Endpoint, Err: err}
	}
	if err := client.Connect(ctx); err != nil {
		return nil, &drivers.ConnectError{Protocol: config.ProtocolOPCUA, Target: settings.Endpoint, Err: err}
	}
	d.logger.Debug().Str("endpoint", settings.Endpoint).Str("identity", settings.Identity()).Msg("opcua: session established")
	return &Handle{client: client, endpoint: settings.Endpoint, logger: d.logger}, nil
}

func clientOptions(settings config.OPCUASettings) []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityMode(securityMode(settings.SecurityMode)),
		opcua.SecurityPolicy(securityPolicy(settings.SecurityPolicy)),
	}
	if settings.Username != "" {
		opts = append(opts, opcua.AuthUsername(settings.Username, settings.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func securityMode(mode string) ua.MessageSecurityMode {
	switch strings.ToLower(mode) {
	case "sign":
		return ua.MessageSecurityModeSign
	case "signandencrypt":
		return ua.MessageSecurityModeSignAndEncrypt
	default:
		return ua.MessageSecurityModeNone
	}
}

func securityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

// Handle wraps an established session.
type Handle struct {
	client   *opcua.Client
	endpoint string
	logger   zerolog.Logger
}

// Verify issues a minimal server-status read over the existing session. A
// failed or slow read marks the handle dead so the pool recreates it.
func (h *Handle) Verify(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	req := &ua.ReadRequest{
		TimestampsToReturn: ua.TimestampsToReturnNeither,
		NodesToRead: []*ua.ReadValueID{
			{NodeID: serverCurrentTime, AttributeID: ua.AttributeIDValue},
		},
	}
	resp, err := h.client.Read(probeCtx, req)
	if err != nil {
		h.logger.Debug().Err(err).Str("endpoint", h.endpoint).Msg("opcua: liveness probe failed")
		return false
	}
	return len(resp.Results) > 0 && resp.Results[0].Status == ua.StatusOK
}

// Close ends the session. Teardown errors are reported to the caller, which
// logs and swallows them.
func (h *Handle) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.client.Close(ctx)
}

// NodeValue is the outcome of reading one node. Order in a batch read matches
// the input order.
type NodeValue struct {
	NodeID     string      `json:"nodeId"`
	Value      interface{} `json:"value"`
	Quality    string      `json:"quality"`
	StatusCode uint32      `json:"statusCode"`
	SourceTime time.Time   `json:"sourceTime"`
}

// Read fetches a batch of node IDs in one service call, one result triple per
// node, preserving input order. A malformed node ID fails the whole read
// because the server never saw the request.
func (h *Handle) Read(ctx context.Context, nodeIDs []string) ([]NodeValue, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}

	nodes := make([]*ua.ReadValueID, 0, len(nodeIDs))
	for _, raw := range nodeIDs {
		id, err := ua.ParseNodeID(raw)
		if err != nil {
			return nil, &drivers.ReadError{Protocol: config.ProtocolOPCUA, Target: raw, Err: err}
		}
		nodes = append(nodes, &ua.ReadValueID{NodeID: id, AttributeID: ua.AttributeIDValue})
	}

	req := &ua.ReadRequest{
		MaxAge:             2000,
		TimestampsToReturn: ua.TimestampsToReturnSource,
		NodesToRead:        nodes,
	}
	resp, err := h.client.Read(ctx, req)
	if err != nil {
		return nil, &drivers.ReadError{Protocol: config.ProtocolOPCUA, Target: h.endpoint, Err: err}
	}
	return mapResults(h.endpoint, nodeIDs, resp.Results)
}

// mapResults pairs the response with the requested node IDs. A truncated
// response fails the whole read; a partial pairing would silently attribute
// wrong values to the trailing nodes.
func mapResults(endpoint string, nodeIDs []string, results []*ua.DataValue) ([]NodeValue, error) {
	if len(results) != len(nodeIDs) {
		return nil, &drivers.ReadError{
			Protocol: config.ProtocolOPCUA,
			Target:   endpoint,
			Err:      fmt.Errorf("server returned %d results for %d nodes", len(results), len(nodeIDs)),
		}
	}

	values := make([]NodeValue, len(nodeIDs))
	for i, result := range results {
		values[i] = NodeValue{
			NodeID:     nodeIDs[i],
			Quality:    qualityOf(result.Status),
			StatusCode: uint32(result.Status),
			SourceTime: result.SourceTimestamp,
		}
		if result.Value != nil {
			values[i].Value = result.Value.Value()
		}
	}
	return values, nil
}

// qualityOf maps the status code severity bits to the conventional
// good/uncertain/bad labels.
func qualityOf(status ua.StatusCode) string {
	switch uint32(status) & 0xC0000000 {
	case 0x00000000:
		return "good"
	case 0x40000000:
		return "uncertain"
	default:
		return "bad"
	}
}
