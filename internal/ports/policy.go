package ports

import "time"

// Policy controls offline queue thresholds and flush behavior.
type Policy struct {
	// QueueCapacity bounds the offline queue. Enqueue beyond it reports
	// ErrQueueFull to the caller; entries are never evicted silently.
	QueueCapacity int `yaml:"queue_capacity"`
	// AckTimeout bounds how long a flush waits for the backend to
	// acknowledge a single in-flight mutation before halting.
	AckTimeout time.Duration `yaml:"ack_timeout"`
}
