package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs points the default logger at a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestTurnID(t *testing.T) {
	t.Parallel()

	if got := TurnID(context.Background()); got != "" {
		t.Errorf("TurnID(background) = %q, want empty", got)
	}
	ctx := WithTurnID(context.Background(), "turn-1")
	ctx = WithTurnID(ctx, "turn-2")
	if got := TurnID(ctx); got != "turn-2" {
		t.Errorf("TurnID = %q, want innermost turn-2", got)
	}
}

func TestStartSpan_TagsTurn(t *testing.T) {
	exp := useTracer(t)

	_, span := StartSpan(WithTurnID(context.Background(), "turn-42"), "duplex.turn")
	span.End()
	_, plain := StartSpan(context.Background(), "speech.speak")
	plain.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if v, ok := spanAttr(spans[0], string(TurnIDKey)); !ok || v.AsString() != "turn-42" {
		t.Errorf("%s = %q (present %v), want turn-42", TurnIDKey, v.AsString(), ok)
	}
	if _, ok := spanAttr(spans[1], string(TurnIDKey)); ok {
		t.Errorf("span without turn carries %s", TurnIDKey)
	}
	if spans[0].InstrumentationScope.Name != meterName {
		t.Errorf("scope = %q, want %q", spans[0].InstrumentationScope.Name, meterName)
	}
}

func TestFail(t *testing.T) {
	exp := useTracer(t)

	_, ok := StartSpan(context.Background(), "ok")
	Fail(ok, nil)
	ok.End()
	_, bad := StartSpan(context.Background(), "bad")
	Fail(bad, errors.New("amp line stuck"))
	bad.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Unset || len(spans[0].Events) != 0 {
		t.Errorf("Fail(nil) changed span: status %v, %d events", spans[0].Status.Code, len(spans[0].Events))
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "amp line stuck" {
		t.Errorf("status = %v %q, want Error amp line stuck", spans[1].Status.Code, spans[1].Status.Description)
	}
	if len(spans[1].Events) != 1 || spans[1].Events[0].Name != "exception" {
		t.Errorf("events = %+v, want one exception event", spans[1].Events)
	}
}

func TestCorrelationID(t *testing.T) {
	useTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
	ctx, span := StartSpan(context.Background(), "op")
	defer span.End()
	cid := CorrelationID(ctx)
	if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("CorrelationID = %q, want 32 lowercase hex chars", cid)
	}
}

func TestLogger(t *testing.T) {
	useTracer(t)
	buf := captureLogs(t)

	Logger(context.Background()).Info("bare")
	if strings.Contains(buf.String(), "_id=") {
		t.Errorf("bare logger added correlation attrs: %s", buf.String())
	}

	buf.Reset()
	ctx, span := StartSpan(WithTurnID(context.Background(), "turn-7"), "op")
	defer span.End()
	Logger(ctx).Info("tagged")
	for _, want := range []string{"turn_id=turn-7", "trace_id=" + CorrelationID(ctx), "span_id="} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log output missing %s: %s", want, buf.String())
		}
	}
}
