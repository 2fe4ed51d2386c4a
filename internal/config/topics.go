package config

const (
	// TopicIngestDocument is the NSQ topic for PDF ingestion tasks.
	TopicIngestDocument = "ingest.document"

	// ChannelIngestWorker is the consumer channel shared by ingestion workers.
	ChannelIngestWorker = "ingest-worker"
)
