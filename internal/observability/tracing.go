package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used by the network core.
const TracerName = "github.com/cory-johannsen/gtserver"

// Tracer returns the tracer for the network core from the global provider.
// Without an installed SDK provider the returned tracer is a no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
