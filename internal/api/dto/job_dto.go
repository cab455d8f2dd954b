package dto

type CreateJobRequest struct {
	Owner        string  `json:"owner" binding:"required"`
	FileKey      string  `json:"file_key" binding:"required"`
	Method       string  `json:"method" binding:"required"`
	WhiteBalance string  `json:"white_balance"`
	Gamma        float64 `json:"gamma"`
	Repeat       int     `json:"repeat"`
}

type ListJobsRequest struct {
	Owner    string `form:"owner"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID         string  `json:"job_id"`
	Owner         string  `json:"owner"`
	FileKey       string  `json:"file_key"`
	Method        string  `json:"method"`
	WhiteBalance  string  `json:"white_balance"`
	Gamma         float64 `json:"gamma"`
	Repeat        int     `json:"repeat"`
	Status        string  `json:"status"`
	ResultID      *string `json:"result_id,omitempty"`
	FailureCount  int     `json:"failure_count"`
	FailureReason *string `json:"failure_reason,omitempty"`
	CreatedAt     string  `json:"created_at"`
	StartedAt     *string `json:"started_at,omitempty"`
	FinishedAt    *string `json:"finished_at,omitempty"`
}

type StartJobResponse struct {
	Job       JobDTO `json:"job"`
	MessageID string `json:"message_id"`
}

type ResultDTO struct {
	ResultID        string         `json:"result_id"`
	Summary         map[string]any `json:"summary"`
	PreviewKey      string         `json:"preview_key"`
	PreviewMime     string         `json:"preview_mime"`
	PreviewSize     int64          `json:"preview_size"`
	PreviewChecksum string         `json:"preview_checksum"`
	Logs            string         `json:"logs,omitempty"`
	CreatedAt       string         `json:"created_at"`
}

type QueueStatsDTO struct {
	Queue    string `json:"queue"`
	Visible  int    `json:"visible"`
	InFlight int    `json:"in_flight"`
}
