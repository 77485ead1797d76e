package cqrs

// InstrumentationVersion is reported by the otel package as the instrumentation scope version.
const InstrumentationVersion = "0.4.0"
