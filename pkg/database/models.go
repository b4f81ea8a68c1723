package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/khryptorgraphics/rtverify/pkg/types"
)

// RunRecord is one persisted pipeline run.
type RunRecord struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Status     string    `db:"status" json:"status"`
	Iterations int       `db:"iterations" json:"iterations"`
	Input      string    `db:"input" json:"input"`
	FinalSpec  JSONDoc   `db:"final_spec" json:"final_spec"`
	ModelXML   string    `db:"model_xml" json:"model_xml,omitempty"`
	Properties JSONDoc   `db:"properties" json:"properties"`
	Outcome    JSONDoc   `db:"outcome" json:"outcome"`
	StageLog   JSONDoc   `db:"stage_log" json:"stage_log"`
	Reason     string    `db:"reason" json:"reason,omitempty"`
	CreatedBy  *string   `db:"created_by" json:"created_by,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	FinishedAt time.Time `db:"finished_at" json:"finished_at"`
}

// NewRunRecord builds a record from a finished run result.
func NewRunRecord(input string, result types.RunResult, createdBy *string) (*RunRecord, error) {
	finalSpec, err := toDoc(result.FinalSet)
	if err != nil {
		return nil, err
	}
	props, err := toDoc(result.Properties)
	if err != nil {
		return nil, err
	}
	outcome, err := toDoc(result.Outcome)
	if err != nil {
		return nil, err
	}
	stageLog, err := toDoc(result.Log)
	if err != nil {
		return nil, err
	}
	return &RunRecord{
		ID:         uuid.New(),
		Status:     string(result.Status),
		Iterations: result.Iterations,
		Input:      input,
		FinalSpec:  finalSpec,
		ModelXML:   result.ModelXML,
		Properties: props,
		Outcome:    outcome,
		StageLog:   stageLog,
		Reason:     result.Reason,
		CreatedBy:  createdBy,
	}, nil
}

// Validate checks required record fields.
func (r *RunRecord) Validate() error {
	if r.Status == "" {
		return fmt.Errorf("run record requires a status")
	}
	if r.Input == "" {
		return fmt.Errorf("run record requires the input specification")
	}
	return nil
}

// JSONDoc stores an arbitrary JSON document in a jsonb column.
type JSONDoc []byte

func toDoc(v any) (JSONDoc, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding run artifact: %w", err)
	}
	return JSONDoc(b), nil
}

// Value implements driver.Valuer.
func (d JSONDoc) Value() (driver.Value, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return []byte(d), nil
}

// Scan implements sql.Scanner.
func (d *JSONDoc) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*d = nil
		return nil
	case []byte:
		*d = append((*d)[:0], v...)
		return nil
	case string:
		*d = JSONDoc(v)
		return nil
	}
	return fmt.Errorf("cannot scan %T into JSONDoc", value)
}

// MarshalJSON renders the stored document verbatim.
func (d JSONDoc) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return d, nil
}

// UnmarshalJSON stores the raw document.
func (d *JSONDoc) UnmarshalJSON(data []byte) error {
	*d = append((*d)[:0], data...)
	return nil
}
