package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/tezedge/tezedge-debugger/internal/config"
)

func TestNewResource(t *testing.T) {
	cfg := &config.OTELConfig{ServiceName: "debugger-test", ResourceAttributes: "node=alpha"}
	res, err := NewResource(context.Background(), cfg)
	require.NoError(t, err)

	set := res.Set()
	v, ok := set.Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "debugger-test", v.AsString())
	v, ok = set.Value(attribute.Key("node"))
	require.True(t, ok)
	assert.Equal(t, "alpha", v.AsString())
}

func TestInitProvider(t *testing.T) {
	tp, err := InitProvider(&config.OTELConfig{ServiceName: "debugger-test", TracesEndpoint: "127.0.0.1:1"})
	require.NoError(t, err)
	assert.NoError(t, ShutdownProvider(context.Background(), tp))
	assert.NoError(t, ShutdownProvider(context.Background(), nil))
}
