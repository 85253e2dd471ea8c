package worker

// IngestDocumentPayload is the message fetchers and connectors publish to
// ingest.document. Payload travels base64-encoded inside the JSON body.
type IngestDocumentPayload struct {
	Payload    []byte `json:"payload"`
	SourceURI  string `json:"source_uri"`
	SourceType string `json:"source_type"`
	FetchedAt  string `json:"fetched_at"`

	CorrelationID string `json:"correlation_id,omitempty"`
}
