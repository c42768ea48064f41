package models

// GCSEvent is the data payload of a Cloud Storage object.finalize CloudEvent.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// WorkflowPayload is the argument passed to the downstream workflow once a
// bucket-triggered document has been anonymized.
type WorkflowPayload struct {
	JobID        string `json:"jobId"`
	SourceGCSUri string `json:"sourceGcsUri"`
	OutputGCSUri string `json:"outputGcsUri"`
	PageCount    int    `json:"pageCount"`
}
