package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Protocol identifies one of the supported OT connection classes.
type Protocol string

const (
	ProtocolOPCUA  Protocol = "opcua"
	ProtocolMQTT   Protocol = "mqtt"
	ProtocolModbus Protocol = "modbus"

	// OT-class protocols without a driver. Health checks report them as
	// passing so an unimplemented check never raises a false alarm.
	ProtocolSCADA         Protocol = "scada"
	ProtocolMES           Protocol = "mes"
	ProtocolDataHistorian Protocol = "dataHistorian"
)

// OTProtocols lists every protocol class the health-check sweep considers.
var OTProtocols = []Protocol{
	ProtocolOPCUA,
	ProtocolMQTT,
	ProtocolModbus,
	ProtocolSCADA,
	ProtocolMES,
	ProtocolDataHistorian,
}

// IsOT reports whether the protocol belongs to the OT connection class.
func (p Protocol) IsOT() bool {
	for _, candidate := range OTProtocols {
		if p == candidate {
			return true
		}
	}
	return false
}

// HasDriver reports whether a real protocol driver exists for p.
func (p Protocol) HasDriver() bool {
	switch p {
	case ProtocolOPCUA, ProtocolMQTT, ProtocolModbus:
		return true
	default:
		return false
	}
}

// ConfigError reports a missing or malformed connection configuration field.
type ConfigError struct {
	Protocol Protocol
	Field    string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s config: field %q: %s", e.Protocol, e.Field, e.Reason)
}

func missingField(protocol Protocol, field string) error {
	return &ConfigError{Protocol: protocol, Field: field, Reason: "is required"}
}

// OPCUASettings describe how to reach an OPC UA server.
type OPCUASettings struct {
	Endpoint       string `json:"endpoint"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	SecurityMode   string `json:"securityMode,omitempty"`
	SecurityPolicy string `json:"securityPolicy,omitempty"`
}

// Validate checks the required OPC UA fields.
func (s OPCUASettings) Validate() error {
	if s.Endpoint == "" {
		return missingField(ProtocolOPCUA, "endpoint")
	}
	return nil
}

// Identity returns the session identity used in the cache key. Sessions with
// different credentials against the same endpoint must not share a handle.
func (s OPCUASettings) Identity() string {
	if s.Username == "" {
		return "anonymous"
	}
	return s.Username
}

// MQTTTLSSettings allow TLS connections to the broker.
type MQTTTLSSettings struct {
	Enabled            bool   `json:"enabled"`
	InsecureSkipVerify bool   `json:"insecureSkipVerify,omitempty"`
	CAFile             string `json:"caFile,omitempty"`
	CertFile           string `json:"certFile,omitempty"`
	KeyFile            string `json:"keyFile,omitempty"`
	ServerName         string `json:"serverName,omitempty"`
}

// MQTTSettings describe how to reach an MQTT broker.
type MQTTSettings struct {
	Broker   string           `json:"broker"`
	Port     int              `json:"port,omitempty"`
	ClientID string           `json:"clientId,omitempty"`
	Username string           `json:"username,omitempty"`
	Password string           `json:"password,omitempty"`
	TLS      *MQTTTLSSettings `json:"tls,omitempty"`
}

// MQTTSettings doubles as a yaml-configured notifier target.
func (s *MQTTSettings) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain struct {
		Broker   string `yaml:"broker"`
		Port     int    `yaml:"port"`
		ClientID string `yaml:"client_id"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	}
	var p plain
	if err := unmarshal(&p); err != nil {
		return err
	}
	s.Broker = p.Broker
	s.Port = p.Port
	s.ClientID = p.ClientID
	s.Username = p.Username
	s.Password = p.Password
	return nil
}

// Validate checks the required MQTT fields.
func (s MQTTSettings) Validate() error {
	if s.Broker == "" {
		return missingField(ProtocolMQTT, "broker")
	}
	return nil
}

// BrokerURL renders the broker address as a paho-compatible URL. A broker
// value that already carries a scheme is passed through untouched.
func (s MQTTSettings) BrokerURL() string {
	if strings.Contains(s.Broker, "://") {
		return s.Broker
	}
	port := s.Port
	if port == 0 {
		port = 1883
	}
	scheme := "tcp"
	if s.TLS != nil && s.TLS.Enabled {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.Broker, port)
}

// ModbusSettings describe how to reach a Modbus device over TCP or serial.
type ModbusSettings struct {
	Transport string `json:"transport,omitempty"` // "tcp" (default) or "rtu"
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	Device    string `json:"device,omitempty"` // serial device path for rtu
	BaudRate  int    `json:"baudRate,omitempty"`
	UnitID    uint8  `json:"unitId,omitempty"`
}

// IsRTU reports whether the serial transport is selected.
func (s ModbusSettings) IsRTU() bool {
	return strings.EqualFold(s.Transport, "rtu") || strings.EqualFold(s.Transport, "serial")
}

// Validate checks the required Modbus fields for the selected transport.
func (s ModbusSettings) Validate() error {
	if s.IsRTU() {
		if s.Device == "" {
			return missingField(ProtocolModbus, "device")
		}
		return nil
	}
	if s.Host == "" {
		return missingField(ProtocolModbus, "host")
	}
	return nil
}

// Address renders the TCP endpoint address.
func (s ModbusSettings) Address() string {
	port := s.Port
	if port == 0 {
		port = 502
	}
	return fmt.Sprintf("%s:%d", s.Host, port)
}

// ConnectionConfig is the parsed, per-protocol connection description. Exactly
// one of the settings pointers matching Protocol is populated.
type ConnectionConfig struct {
	Protocol Protocol
	OPCUA    *OPCUASettings
	MQTT     *MQTTSettings
	Modbus   *ModbusSettings
}

// ParseConnection decodes the persisted JSON config blob for the given
// protocol and validates the protocol-specific required fields.
func ParseConnection(protocol Protocol, raw json.RawMessage) (ConnectionConfig, error) {
	cfg := ConnectionConfig{Protocol: protocol}
	switch protocol {
	case ProtocolOPCUA:
		var settings OPCUASettings
		if err := decodeSettings(protocol, raw, &settings); err != nil {
			return ConnectionConfig{}, err
		}
		if err := settings.Validate(); err != nil {
			return ConnectionConfig{}, err
		}
		cfg.OPCUA = &settings
	case ProtocolMQTT:
		var settings MQTTSettings
		if err := decodeSettings(protocol, raw, &settings); err != nil {
			return ConnectionConfig{}, err
		}
		if err := settings.Validate(); err != nil {
			return ConnectionConfig{}, err
		}
		cfg.MQTT = &settings
	case ProtocolModbus:
		var settings ModbusSettings
		if err := decodeSettings(protocol, raw, &settings); err != nil {
			return ConnectionConfig{}, err
		}
		if err := settings.Validate(); err != nil {
			return ConnectionConfig{}, err
		}
		cfg.Modbus = &settings
	default:
		if !protocol.IsOT() {
			return ConnectionConfig{}, &ConfigError{Protocol: protocol, Field: "protocol", Reason: "not an OT protocol"}
		}
	}
	return cfg, nil
}

func decodeSettings(protocol Protocol, raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return &ConfigError{Protocol: protocol, Field: "config", Reason: "is empty"}
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return &ConfigError{Protocol: protocol, Field: "config", Reason: err.Error()}
	}
	return nil
}

// CacheKey derives the deterministic pooling identity for the connection. Two
// configs with equal keys refer to the same logical connection.
func (c ConnectionConfig) CacheKey() string {
	switch c.Protocol {
	case ProtocolOPCUA:
		if c.OPCUA != nil {
			return fmt.Sprintf("opcua|%s|%s", c.OPCUA.Endpoint, c.OPCUA.Identity())
		}
	case ProtocolMQTT:
		if c.MQTT != nil {
			return fmt.Sprintf("mqtt|%s|%s", c.MQTT.BrokerURL(), c.MQTT.ClientID)
		}
	case ProtocolModbus:
		if c.Modbus != nil {
			if c.Modbus.IsRTU() {
				return fmt.Sprintf("modbus|rtu|%s|%d", c.Modbus.Device, c.Modbus.UnitID)
			}
			return fmt.Sprintf("modbus|tcp|%s|%d", c.Modbus.Address(), c.Modbus.UnitID)
		}
	}
	return string(c.Protocol)
}
