package worker

// IngestTask asks a worker to ingest one uploaded document.
type IngestTask struct {
	DocumentID    string `json:"document_id"`
	CorrelationID string `json:"correlation_id"`
}
