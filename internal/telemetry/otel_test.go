package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresServiceName(t *testing.T) {
	_, err := New(context.Background(), "", "1.0.0", "localhost:4318")
	assert.Error(t, err)
}

func TestNewBuildsProviderWithTracerAndMeter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := New(ctx, "orchestrator-test", "0.0.0-test", "localhost:4318")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.NotNil(t, p.Tracer())
	assert.NotNil(t, p.Meter())

	require.NoError(t, p.Shutdown(ctx))
}

func TestShutdownIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := New(ctx, "orchestrator-test", "0.0.0-test", "localhost:4318")
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(ctx))
	require.NoError(t, p.Shutdown(ctx))
}

func TestGRPCPortIsNormalizedToHTTPPort(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := New(ctx, "orchestrator-test", "0.0.0-test", "localhost:4317")
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(ctx))
}
