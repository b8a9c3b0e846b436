package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_EmptyEndpointReturnsNoopShutdown(t *testing.T) {
	shutdown, err := Setup(context.Background(), "", "test-service", "dev")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
