package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Job status values. A job is created queued, claimed into running, and
// finalized into done or error. Once error_dlq is reached only an
// administrative requeue can make the job runnable again.
const (
	JobStatusQueued   = "queued"
	JobStatusRunning  = "running"
	JobStatusDone     = "done"
	JobStatusError    = "error"
	JobStatusErrorDLQ = "error_dlq"
)

// MaxFailureReasonLen bounds the stored failure reason.
const MaxFailureReasonLen = 1024

// DiscardedReason is recorded when an administrator discards a dead-lettered
// message whose job has no failure reason of its own.
const DiscardedReason = "discarded from DLQ"

// Params is the processing parameter snapshot taken when a job is created.
// It is stored as JSONB and carried verbatim in the queue message envelope.
type Params struct {
	Method       string  `json:"method"`
	WhiteBalance string  `json:"white_balance"`
	Gamma        float64 `json:"gamma"`
	Repeat       int     `json:"repeat"`
}

// Value implements driver.Valuer so Params can be written as JSONB.
func (p Params) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *Params) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	case nil:
		*p = Params{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Params", src)
	}
}

// Summary holds free-form result metrics, e.g. {"leaf": {"coverage_pct": 42.5}}.
type Summary map[string]any

func (s Summary) Value() (driver.Value, error) {
	if s == nil {
		return json.Marshal(Summary{})
	}
	return json.Marshal(s)
}

func (s *Summary) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	case nil:
		*s = nil
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Summary", src)
	}
}

// Job is the durable record of one processing request. The store is the
// single arbitration point: claim/finalize/admin operations are the only
// writers, read paths never mutate.
type Job struct {
	ID            string     `db:"job_id"`
	Owner         string     `db:"owner"`
	FileKey       string     `db:"file_key"`
	Params        Params     `db:"params"`
	Status        string     `db:"status"`
	ResultID      *string    `db:"result_id"`
	FailureCount  int        `db:"failure_count"`
	FailureReason *string    `db:"failure_reason"`
	CreatedAt     time.Time  `db:"created_at"`
	StartedAt     *time.Time `db:"started_at"`
	FinishedAt    *time.Time `db:"finished_at"`
}

// Retryable reports whether a worker may claim the job.
func (j *Job) Retryable() bool {
	return j.Status == JobStatusQueued || j.Status == JobStatusError
}

// Result is created once per successful processing attempt. Results
// superseded by a later rerun of the same job are retained.
type Result struct {
	ID              string    `db:"result_id"`
	Summary         Summary   `db:"summary"`
	PreviewKey      string    `db:"preview_key"`
	PreviewMime     string    `db:"preview_mime"`
	PreviewSize     int64     `db:"preview_size"`
	PreviewChecksum string    `db:"preview_checksum"`
	Logs            string    `db:"logs"`
	CreatedAt       time.Time `db:"created_at"`
}

// TruncateReason bounds a failure reason to MaxFailureReasonLen bytes.
func TruncateReason(reason string) string {
	if len(reason) > MaxFailureReasonLen {
		return reason[:MaxFailureReasonLen]
	}
	return reason
}
