package otel

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInit_ExportsToWriter(t *testing.T) {
	var buf bytes.Buffer
	tp, err := Init(t.Context(), Config{ServiceName: "hostgate-test", ServiceVersion: "0.0.1", Export: true, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "Executor.Call")
	span.End()
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "Executor.Call") || !strings.Contains(out, "hostgate-test") {
		t.Fatalf("span not exported: %s", out)
	}
	if strings.Contains(out, "host.name") || strings.Contains(out, "process.owner") {
		t.Fatalf("identity resource attributes exported: %s", out)
	}
}

func TestInit_NoExport(t *testing.T) {
	tp, err := Init(t.Context(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	if otel.GetTracerProvider() != tp {
		t.Fatal("global provider not installed")
	}
}
