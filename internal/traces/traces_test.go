package traces

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Version: "test"}, slog.Default())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	cases := map[float64]string{
		1:    "AlwaysOnSampler",
		2:    "AlwaysOnSampler",
		0:    "AlwaysOffSampler",
		-1:   "AlwaysOffSampler",
		0.25: "TraceIDRatioBased{0.25}",
	}
	for rate, root := range cases {
		assert.Contains(t, Sampler(rate).Description(), "root:"+root, rate)
	}
}

func TestStartSpanRecordsAttributesAndErrors(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "disputes.FileDispute", DisputeID("dsp_1"), Amount(550))
	RecordError(span, errors.New("boom"))
	span.End()

	_, clean := StartSpan(context.Background(), "credits.Balance")
	RecordError(clean, nil)
	clean.End()

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "disputes.FileDispute", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.ElementsMatch(t, []attribute.KeyValue{
		attribute.String("dispute.id", "dsp_1"),
		attribute.Int64("amount", 550),
	}, ended[0].Attributes())
	assert.Equal(t, codes.Unset, ended[1].Status().Code)
}
