package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultOTLPEndpoint is the collector address used when no OTLP endpoint is
// configured. Spans are exported over HTTP.
const DefaultOTLPEndpoint = "localhost:4318"

// OTELConfig configures the export of envelope spans. It is read from the
// standard OTEL_* variables, not from DEBUGGER_ ones.
type OTELConfig struct {
	Disabled           bool   `env:"OTEL_SDK_DISABLED"`
	ServiceName        string `env:"OTEL_SERVICE_NAME" envDefault:"tezedge-debugger"`
	ResourceAttributes string `env:"OTEL_RESOURCE_ATTRIBUTES"`
	ExporterEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TracesEndpoint     string `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
}

// ParseOTELConfig reads the span export settings from the environment.
func ParseOTELConfig() (*OTELConfig, error) {
	return parseOTEL(env.Options{})
}

func parseOTEL(opts env.Options) (*OTELConfig, error) {
	cfg, err := env.ParseAsWithOptions[OTELConfig](opts)
	if err != nil {
		return nil, fmt.Errorf("parsing OTEL environment: %w", err)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tezedge-debugger"
	}
	return &cfg, nil
}

// GetEndpoint returns the host:port spans are sent to. The traces endpoint
// wins over the generic one. A URL scheme is dropped, the exporter takes a
// bare address.
func (c *OTELConfig) GetEndpoint() string {
	endpoint := c.TracesEndpoint
	if endpoint == "" {
		endpoint = c.ExporterEndpoint
	}
	if endpoint == "" {
		return DefaultOTLPEndpoint
	}
	for _, scheme := range []string{"http://", "https://"} {
		endpoint = strings.TrimPrefix(endpoint, scheme)
	}
	return strings.TrimSuffix(endpoint, "/")
}

// ParseResourceAttributes splits OTEL_RESOURCE_ATTRIBUTES (k1=v1,k2=v2) into
// attributes. Entries without a key or without '=' are skipped.
func (c *OTELConfig) ParseResourceAttributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for _, pair := range strings.Split(c.ResourceAttributes, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		attrs = append(attrs, attribute.String(k, strings.TrimSpace(v)))
	}
	return attrs
}
