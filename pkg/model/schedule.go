package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Schedule periodically exports a dashboard and emails the PDF
type Schedule struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name"`
	Target       ExportRequest `json:"target"`
	IntervalType string        `json:"interval_type"`
	CronExpr     string        `json:"cron_expr,omitempty"`
	Timezone     string        `json:"timezone"`
	Recipients   Recipients    `json:"recipients"`
	EmailSubject string        `json:"email_subject"`
	EmailBody    string        `json:"email_body"`
	Enabled      bool          `json:"enabled"`
	LastRunAt    *time.Time    `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time    `json:"next_run_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Recipients holds email recipient information
type Recipients struct {
	To  []string `json:"to"`
	CC  []string `json:"cc,omitempty"`
	BCC []string `json:"bcc,omitempty"`
}

// All returns every address across To, CC and BCC
func (r Recipients) All() []string {
	all := make([]string, 0, len(r.To)+len(r.CC)+len(r.BCC))
	all = append(all, r.To...)
	all = append(all, r.CC...)
	return append(all, r.BCC...)
}

// Scan implements sql.Scanner for Recipients
func (r *Recipients) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	}
	return nil
}

// Value implements driver.Valuer for Recipients
func (r Recipients) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Run statuses
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Run records one execution of a schedule. Only metadata about the PDF is
// kept; the document itself is delivered and dropped.
type Run struct {
	ID         int64      `json:"id"`
	ScheduleID int64      `json:"schedule_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Mode       ExportMode `json:"mode"`
	Attempts   int        `json:"attempts"`
	EmailSent  bool       `json:"email_sent"`
	EmailError string     `json:"email_error,omitempty"`
	ErrorText  string     `json:"error_text,omitempty"`
	Documents  int        `json:"documents"`
	Bytes      int64      `json:"bytes"`
	Checksum   string     `json:"checksum,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
