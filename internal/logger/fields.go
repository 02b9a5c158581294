package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Tracing fields propagated through the call chain via context.
const (
	// FieldRequestID is the HTTP request ID (UUID).
	FieldRequestID = "request_id"

	// FieldJobID is the orchestrated job ID.
	FieldJobID = "job_id"

	// FieldJobKind is the pipeline kind (csv_import, enrichment, image_scan).
	FieldJobKind = "job_kind"

	// FieldComponent is the component/module name.
	FieldComponent = "component"

	// FieldDependency is the external dependency name used by the breaker.
	FieldDependency = "dependency"
)

// Metric fields used for aggregation and alerting.
const (
	// FieldDurationMs is the execution duration in milliseconds.
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field.
	FieldCount = "count"

	// FieldSize is the data size in bytes.
	FieldSize = "size"

	// FieldStatus is the operation status.
	FieldStatus = "status"
)
