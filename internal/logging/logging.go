// Package logging builds the process-wide zerolog logger, optionally teeing
// entries into Loki for central retention.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/fieldgrid/otlink/config"
)

// Option adjusts the logger beyond what the configuration file carries.
type Option func(*settings)

type settings struct {
	service string
}

// WithService stamps every entry with a service field and uses the name as
// the default Loki app label. The composition root sets this once.
func WithService(name string) Option {
	return func(s *settings) {
		s.service = name
	}
}

// Setup creates the root logger. The returned cleanup flushes and stops the
// Loki client when log shipping is enabled.
func Setup(cfg config.LoggingConfig, opts ...Option) (zerolog.Logger, func(), error) {
	var applied settings
	for _, opt := range opts {
		opt(&applied)
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	writers := []io.Writer{consoleWriter(cfg.Format)}
	cleanup := func() {}

	if cfg.Loki.Enabled {
		shipper, stop, err := newLokiWriter(cfg.Loki, applied.service)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writers = append(writers, shipper)
		cleanup = stop
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().Timestamp().Logger().Level(level)
	if applied.service != "" {
		logger = logger.With().Str("service", applied.service).Logger()
	}
	return logger, cleanup, nil
}

func parseLevel(raw string) (zerolog.Level, error) {
	if raw == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return level, nil
}

func consoleWriter(format string) io.Writer {
	if strings.EqualFold(format, "text") {
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return os.Stdout
}

func newLokiWriter(cfg config.LokiConfig, service string) (io.Writer, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("loki url is required")
	}
	lokiCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(lokiCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create loki client: %w", err)
	}

	labels := model.LabelSet{}
	for k, v := range cfg.Labels {
		labels[model.LabelName(k)] = model.LabelValue(v)
	}
	if _, ok := labels["app"]; !ok {
		if service == "" {
			service = "otlink"
		}
		labels["app"] = model.LabelValue(service)
	}

	writer := &lokiWriter{client: client, labels: labels}
	return writer, client.Stop, nil
}

type lokiWriter struct {
	client *loki.Client
	labels model.LabelSet
}

func (l *lokiWriter) Write(p []byte) (int, error) {
	entry := strings.TrimSpace(string(p))
	if entry == "" {
		return len(p), nil
	}
	err := l.client.Handle(l.labels, time.Now(), entry)
	return len(p), err
}
