package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestCorrelationID_RoundTrip(t *testing.T) {
	id := GenerateCorrelationID()
	require.Len(t, id, 36)
	assert.NotEqual(t, id, GenerateCorrelationID())

	ctx := WithCorrelationID(context.Background(), id)
	assert.Equal(t, id, ExtractCorrelationID(ctx))
	assert.Empty(t, ExtractCorrelationID(context.Background()))
}

func TestWSLogger_IncludesHubAndCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWSLogger("chat").WithLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	ctx := WithCorrelationID(context.Background(), "corr-1")
	logger.LogError(ctx, 3, errors.New("write failed"), "NEW_MESSAGE")

	out := buf.String()
	assert.Contains(t, out, "hub=chat")
	assert.Contains(t, out, "correlation_id=corr-1")
	assert.Contains(t, out, "event_type=NEW_MESSAGE")
}

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(TracingConfig{ServiceName: "chatterbox-test"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, finish := StartSpan(context.Background(), "chat.test", attribute.Int("n", 1))
	finish(errors.New("ignored by noop tracer"))
}
