package db

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusComplete   RunStatus = "complete"
	RunStatusFailed     RunStatus = "failed"
)

func (e *RunStatus) Scan(src interface{}) error {
	switch s := src.(type) {
	case []byte:
		*e = RunStatus(s)
	case string:
		*e = RunStatus(s)
	default:
		return fmt.Errorf("unsupported scan type for RunStatus: %T", src)
	}
	return nil
}

func (e RunStatus) Value() (driver.Value, error) {
	return string(e), nil
}

// Valid reports whether e is one of the known statuses.
func (e RunStatus) Valid() bool {
	switch e {
	case RunStatusPending, RunStatusProcessing, RunStatusComplete, RunStatusFailed:
		return true
	}
	return false
}

// Done reports whether the run has reached a terminal status.
func (e RunStatus) Done() bool {
	return e == RunStatusComplete || e == RunStatusFailed
}

type ReportRun struct {
	ID             uuid.UUID             `json:"id"`
	SurveyID       string                `json:"survey_id"`
	SectionID      string                `json:"section_id"`
	Status         RunStatus             `json:"status"`
	Attempts       int32                 `json:"attempts"`
	TotalResponses sql.NullInt32         `json:"total_responses"`
	Snapshot       pqtype.NullRawMessage `json:"snapshot"`
	PdfPath        sql.NullString        `json:"pdf_path"`
	ErrorMessage   sql.NullString        `json:"error_message"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	CompletedAt    sql.NullTime          `json:"completed_at"`
}
