package config

const (
	// TopicEnrich is the NSQ topic for post-ingest enrichment work
	// (tagging, formatting). Published fire-and-forget: queue
	// availability never affects an ingestion's outcome.
	TopicEnrich = "enrich.task"

	// ChannelEnrichWorker is the consumer channel for enrichment tasks.
	ChannelEnrichWorker = "enrich-worker"
)
