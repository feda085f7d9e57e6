package report

import "encoding/json"

// InstanceWire is the instance shape as the remote API returns it: the
// display configuration travels as a JSON string.
type InstanceWire struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name,omitempty"`
	Report      *Definition `json:"report"`
	Config      string      `json:"config"`
	DrillDownID int64       `json:"drillDownId,omitempty"`
	ParentID    int64       `json:"parentId,omitempty"`
}

// Decode converts the wire form into a cached instance, recovering a default
// configuration when the stored config string is malformed.
func (w *InstanceWire) Decode() *Instance {
	return &Instance{
		ID:          w.ID,
		Name:        w.Name,
		Report:      w.Report,
		Config:      ParseConfig(w.Config),
		DrillDownID: w.DrillDownID,
		ParentID:    w.ParentID,
	}
}

// ExecutionResultWire is the execution payload as the remote API returns it.
// For Elasticsearch-backed definitions the tabular fields are empty and
// RawData carries the untranslated response as a JSON string.
type ExecutionResultWire struct {
	Cols       []Column `json:"cols"`
	Rows       []Row    `json:"rows"`
	TotalCount int64    `json:"totalCount"`
	RawData    string   `json:"rawData,omitempty"`
}

// Tabular returns the wire payload's tabular fields as an ExecutionResult.
func (w *ExecutionResultWire) Tabular() *ExecutionResult {
	cols := w.Cols
	if cols == nil {
		cols = []Column{}
	}
	rows := w.Rows
	if rows == nil {
		rows = []Row{}
	}
	return &ExecutionResult{Cols: cols, Rows: rows, TotalCount: w.TotalCount}
}

// DecodeRawData decodes the RawData string for adapter consumption.
func (w *ExecutionResultWire) DecodeRawData() (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.Unmarshal([]byte(w.RawData), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
