package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kinsyu/messaging"
	"github.com/kinsyu/messaging/queues"
)

func TestOtelHandler(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(sr))
	tracer := tp.Tracer("test")

	var got queues.PumpfunTrade
	h := OtelHandler(func(ctx context.Context, p queues.PumpfunTrade, msg *messaging.Message) error {
		got = p
		return nil
	}, WithTracer(tracer), WithMeter(noop.NewMeterProvider().Meter("test")))

	msg := &messaging.Message{Queue: "pumpfun-trades", MessageID: "01J0000000000000000000000"}
	err := h(context.Background(), queues.PumpfunTrade{Trader: "trader"}, msg)
	require.NoError(t, err)
	assert.Equal(t, "trader", got.Trader)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "messaging.process", spans[0].Name())

	attrs := spans[0].Attributes()
	foundQueue := false
	for _, attr := range attrs {
		if attr.Key == attribute.Key("messaging.destination") {
			assert.Equal(t, "pumpfun-trades", attr.Value.AsString())
			foundQueue = true
		}
	}
	assert.True(t, foundQueue)
}

func TestOtelHandler_Error(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(sr))

	boom := errors.New("downstream unavailable")
	h := OtelHandler(func(ctx context.Context, s queues.UniswapV2Swap, msg *messaging.Message) error {
		return boom
	}, WithTracer(tp.Tracer("test")))

	err := h(context.Background(), queues.UniswapV2Swap{}, &messaging.Message{Queue: "uniswap-v2-swaps"})
	assert.ErrorIs(t, err, boom)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 1)
}
