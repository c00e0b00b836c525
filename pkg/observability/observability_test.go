package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// Every instrument path must be safe without initialization.
	p.RecordFetch(ctx, "succeeded")
	p.RecordJob(ctx, "run_steps", "succeeded")
	p.RecordProviderCall(ctx, "deterministic", "skipped")
	p.RecordExport(ctx)

	opCtx, done := p.TrackOperation(ctx, "test.operation")
	assert.NotNil(t, opCtx)
	done(errors.New("boom"))

	require.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "prospector", cfg.ServiceName)
	assert.False(t, cfg.Enabled, "telemetry stays off until configured")
	assert.Equal(t, 1.0, cfg.SampleRate)
}
