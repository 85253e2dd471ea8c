package config

const (
	// TopicIngestDocument is the NSQ topic fetchers and connectors publish
	// raw document payloads to. The ingestion orchestrator consumes it.
	TopicIngestDocument = "ingest.document"

	// ChannelIngest is the consumer channel for the ingestion orchestrator.
	ChannelIngest = "engine"
)
