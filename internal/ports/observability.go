package ports

// Observability emits metrics and logs about connection health, queue depth,
// flush throughput, and dropped messages.
type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)
	SetGauge(name string, v float64)
}

// Field is a structured log field used by Observability implementations.
type Field struct {
	Key   string
	Value any
}
