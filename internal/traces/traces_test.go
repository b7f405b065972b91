package traces

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return rec
}

func attrs(s sdktrace.ReadOnlySpan) map[string]string {
	out := map[string]string{}
	for _, kv := range s.Attributes() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	shutdown, err := Init(context.Background(), Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestStartSpan_RecordsAttributes(t *testing.T) {
	rec := recorder(t)

	_, span := StartSpan(context.Background(), "credit.Submit", Wallet("9xQe"), Offset(18446744073709551615), Circuit("calculate_credit_score"))
	Fail(span, nil)
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "credit.Submit", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	a := attrs(spans[0])
	assert.Equal(t, "9xQe", a["wallet"])
	assert.Equal(t, "18446744073709551615", a["computation.offset"])
	assert.Equal(t, "calculate_credit_score", a["computation.circuit"])
}

func TestFail(t *testing.T) {
	rec := recorder(t)

	_, span := StartSpan(context.Background(), "credit.Reconcile")
	Fail(span, errors.New("callback for unknown offset"))
	span.End()

	s := rec.Ended()[0]
	assert.Equal(t, codes.Error, s.Status().Code)
	assert.Equal(t, "callback for unknown offset", s.Status().Description)
	require.Len(t, s.Events(), 1)
}

func TestMiddleware(t *testing.T) {
	rec := recorder(t)
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/computations/:offset", func(c *gin.Context) {
		_, child := StartSpan(c.Request.Context(), "credit.AwaitComputation")
		child.End()
		c.Status(http.StatusServiceUnavailable)
	})

	const parent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	req := httptest.NewRequest(http.MethodGet, "/v1/computations/42", nil)
	req.Header.Set("traceparent", parent)
	r.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	child, server := spans[0], spans[1]

	assert.Equal(t, "GET /v1/computations/:offset", server.Name())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", server.SpanContext().TraceID().String())
	assert.Equal(t, "00f067aa0ba902b7", server.Parent().SpanID().String())
	assert.Equal(t, server.SpanContext().SpanID(), child.Parent().SpanID())
	assert.Equal(t, codes.Error, server.Status().Code)
	assert.Equal(t, "503", attrs(server)["http.response.status_code"])
}
