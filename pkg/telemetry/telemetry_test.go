package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))

	counter, err := Meter("mcpgate/test").Int64Counter("mcpgate.test.calls")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	_, span := Tracer("mcpgate/test").Start(context.Background(), "noop")
	span.End()
}
