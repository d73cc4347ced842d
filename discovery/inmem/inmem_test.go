package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDiscoverDeregister(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	require.NoError(t, r.Register(ctx, "payments-2", "payments", "10.0.0.2:8082"))
	require.NoError(t, r.Register(ctx, "payments-1", "payments", "10.0.0.1:8082"))

	addrs, err := r.Discover(ctx, "payments")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:8082", "10.0.0.2:8082"}, addrs)

	require.NoError(t, r.Deregister(ctx, "payments-1", "payments"))
	require.NoError(t, r.Deregister(ctx, "payments-2", "payments"))
	_, err = r.Discover(ctx, "payments")
	assert.ErrorIs(t, err, ErrNoInstances)

	assert.NoError(t, r.Deregister(ctx, "payments-1", "payments"))
}

func TestRegisterRejectsEmptyAddress(t *testing.T) {
	assert.Error(t, NewRegistry().Register(context.Background(), "payments-1", "payments", ""))
}

func TestHealthCheckUnknownInstance(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.HealthCheck("payments-1", "payments"), ErrNotRegistered)

	require.NoError(t, r.Register(context.Background(), "payments-1", "payments", "localhost:8082"))
	assert.ErrorIs(t, r.HealthCheck("payments-2", "payments"), ErrNotRegistered)
	assert.NoError(t, r.HealthCheck("payments-1", "payments"))
}

func TestDiscoverHonoursTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	r := NewRegistry()
	r.now = func() time.Time { return now }

	require.NoError(t, r.Register(ctx, "payments-1", "payments", "10.0.0.1:8082"))
	require.NoError(t, r.Register(ctx, "payments-2", "payments", "10.0.0.2:8082"))

	now = now.Add(r.ttl / 2)
	require.NoError(t, r.HealthCheck("payments-2", "payments"))

	now = now.Add(r.ttl)
	addrs, err := r.Discover(ctx, "payments")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.2:8082"}, addrs)

	now = now.Add(r.ttl)
	_, err = r.Discover(ctx, "payments")
	assert.ErrorIs(t, err, ErrNoInstances)

	require.NoError(t, r.HealthCheck("payments-1", "payments"))
	addrs, err = r.Discover(ctx, "payments")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:8082"}, addrs)
}
