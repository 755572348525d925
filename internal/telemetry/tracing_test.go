package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitTracerDisabledReturnsNoopProvider(t *testing.T) {
	p, err := InitTracer(Config{ServiceName: "inferd-test", Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())

	ctx, span := p.StartSpan(context.Background(), "test-span")
	require.NotNil(t, ctx)
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestCandidateAttributesIncludesAttemptNumber(t *testing.T) {
	attrs := CandidateAttributes("http://a", "openai", 2)
	require.Len(t, attrs, 3)
	require.Equal(t, int64(2), attrs[2].Value.AsInt64())
}
