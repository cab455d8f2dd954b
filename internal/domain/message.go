package domain

import (
	"encoding/json"
	"fmt"
)

// Envelope is the JSON body of a queue message. The failure_count and
// failure_reason fields are a snapshot taken at publish time, kept for DLQ
// display only; the job row is the authoritative failure record.
type Envelope struct {
	JobID         string  `json:"job_id"`
	Owner         string  `json:"owner"`
	FileKey       string  `json:"file_key"`
	Method        string  `json:"method"`
	WhiteBalance  string  `json:"white_balance"`
	Gamma         float64 `json:"gamma"`
	Repeat        int     `json:"repeat"`
	Queue         string  `json:"queue"`
	CorrelationID string  `json:"correlation_id"`
	FailureCount  int     `json:"failure_count"`
	FailureReason *string `json:"failure_reason"`
}

// NewEnvelope builds the message body for a job bound for the given logical queue.
func NewEnvelope(job *Job, queue, correlationID string) *Envelope {
	return &Envelope{
		JobID:         job.ID,
		Owner:         job.Owner,
		FileKey:       job.FileKey,
		Method:        job.Params.Method,
		WhiteBalance:  job.Params.WhiteBalance,
		Gamma:         job.Params.Gamma,
		Repeat:        job.Params.Repeat,
		Queue:         queue,
		CorrelationID: correlationID,
		FailureCount:  job.FailureCount,
		FailureReason: job.FailureReason,
	}
}

// Params reconstructs the parameter snapshot carried by the envelope.
func (e *Envelope) ToParams() Params {
	return Params{
		Method:       e.Method,
		WhiteBalance: e.WhiteBalance,
		Gamma:        e.Gamma,
		Repeat:       e.Repeat,
	}
}

// Encode serializes the envelope as compact JSON.
func (e *Envelope) Encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return body, nil
}

// DecodeEnvelope parses a message body. A body without a job_id is invalid.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.JobID == "" {
		return nil, fmt.Errorf("%w: missing job_id", ErrInvalidEnvelope)
	}
	return &env, nil
}
