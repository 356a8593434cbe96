package bus

// PublishOptions controls integration event publishing.
type PublishOptions struct {
	// TopicOverride replaces the event's Topic when set.
	TopicOverride string
	// Key selects the partition or routing key where the broker supports one.
	Key string
	// Headers are copied; adapters never mutate the caller's map.
	Headers map[string]string
}
