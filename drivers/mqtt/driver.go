package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fieldgrid/otlink/config"
	"github.com/fieldgrid/otlink/drivers"
)

// DefaultConnectTimeout bounds the initial broker handshake.
const DefaultConnectTimeout = 5 * time.Second

// Driver implements the MQTT adapter.
type Driver struct {
	connectTimeout time.Duration
	logger         zerolog.Logger
}

// NewDriver builds an MQTT driver. A non-positive timeout falls back to the
// default connect timeout.
func NewDriver(connectTimeout time.Duration, logger zerolog.Logger) *Driver {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &Driver{connectTimeout: connectTimeout, logger: logger}
}

// Protocol identifies the driver.
func (d *Driver) Protocol() config.Protocol { return config.ProtocolMQTT }

// Connect performs a full broker handshake with a bounded connect timeout.
func (d *Driver) Connect(_ context.Context, cfg config.ConnectionConfig) (drivers.Handle, error) {
	settings := cfg.MQTT
	if settings == nil {
		return nil, &config.ConfigError{Protocol: config.ProtocolMQTT, Field: "config", Reason: "is empty"}
	}
	client, err := buildClient(*settings, d.connectTimeout, d.logger)
	if err != nil {
		return nil, &drivers.ConnectError{Protocol: config.ProtocolMQTT, Target: settings.BrokerURL(), Err: err}
	}
	d.logger.Debug().Str("broker", settings.BrokerURL()).Msg("mqtt: connected")
	return &Handle{client: client, broker: settings.BrokerURL(), logger: d.logger}, nil
}

// buildClient constructs a configured MQTT client and establishes the initial
// connection.
func buildClient(settings config.MQTTSettings, connectTimeout time.Duration, logger zerolog.Logger) (mqtt.Client, error) {
	if settings.Broker == "" {
		return nil, fmt.Errorf("broker address is required")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(settings.BrokerURL())
	clientID := settings.ClientID
	if clientID == "" {
		clientID = "otlink-" + uuid.NewString()
	}
	opts.SetClientID(clientID)
	if settings.Username != "" {
		opts.SetUsername(settings.Username)
		opts.SetPassword(settings.Password)
	}
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(false)

	if settings.TLS != nil && settings.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(*settings.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Str("broker", settings.BrokerURL()).Msg("mqtt: connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect timeout after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect failed: %w", err)
	}

	return client, nil
}

func buildTLSConfig(settings config.MQTTTLSSettings) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: settings.InsecureSkipVerify}
	if settings.ServerName != "" {
		cfg.ServerName = settings.ServerName
	}

	if settings.CAFile != "" {
		ca, err := os.ReadFile(settings.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(ca); !ok {
			return nil, fmt.Errorf("parse ca file %s", settings.CAFile)
		}
		cfg.RootCAs = pool
	}

	if settings.CertFile != "" && settings.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(settings.CertFile, settings.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
