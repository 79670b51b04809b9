package runtime

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Span topology check with an in-memory recorder: spawning and handling a
// command produce runtime spans carrying the entity id, with the store spans
// as their children.
func TestTracing_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	id := uuid.New()
	ref := spawn(t, newStores(t), id, &testCounter{})
	if _, err := ref.HandleCmd(context.Background(), testCmd{Inc: 1}); err != nil {
		t.Fatal(err)
	}
	ref.Stop()

	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range sr.Ended() {
		byName[s.Name()] = s
	}
	cmd, ok := byName["runtime.handle_cmd"]
	if !ok {
		t.Fatalf("no handle_cmd span in %v", keys(byName))
	}
	var hasID bool
	for _, kv := range cmd.Attributes() {
		if kv.Key == "entity.id" && kv.Value.AsString() == id.String() {
			hasID = true
		}
	}
	if !hasID {
		t.Fatalf("handle_cmd span lacks entity.id: %v", cmd.Attributes())
	}
	persist, ok := byName["entstore.persist"]
	if !ok {
		t.Fatalf("no persist span in %v", keys(byName))
	}
	if persist.Parent().SpanID() != cmd.SpanContext().SpanID() {
		t.Fatal("persist span is not a child of handle_cmd")
	}
	if _, ok := byName["runtime.spawn"]; !ok {
		t.Fatalf("no spawn span in %v", keys(byName))
	}
}

func keys[V any](m map[string]V) []string {
	res := make([]string, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	return res
}
