package rotation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State is the stage a row or target was in when something happened to it.
type State int

const (
	StateFetching State = iota
	StateDecrypting
	StateEncrypting
	StatePersisting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateDecrypting:
		return "decrypting"
	case StateEncrypting:
		return "encrypting"
	case StatePersisting:
		return "persisting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Failure records one row or column that could not be processed. Column is
// empty for row-level failures.
type Failure struct {
	ID     string
	Column string
	State  State
	Err    error
}

func (f Failure) String() string {
	if f.Column == "" {
		return fmt.Sprintf("%s (%s): %v", f.ID, f.State, f.Err)
	}
	return fmt.Sprintf("%s.%s (%s): %v", f.ID, f.Column, f.State, f.Err)
}

func (f Failure) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID     string `json:"id"`
		Column string `json:"column,omitempty"`
		State  State  `json:"state"`
		Error  string `json:"error"`
	}{f.ID, f.Column, f.State, errString(f.Err)})
}

// TargetReport holds the counters of one target.
//
// Scanned rows are split into Processed (written, or would be written in a
// dry run), Skipped (nothing to write) and Failed (the store rejected the
// write). FieldFailures counts columns skipped inside otherwise healthy rows.
// AlreadyRotated counts columns already in the state the job produces.
type TargetReport struct {
	Table          string    `json:"table"`
	Scanned        int       `json:"scanned"`
	Processed      int       `json:"processed"`
	Skipped        int       `json:"skipped"`
	Failed         int       `json:"failed"`
	FieldFailures  int       `json:"field_failures"`
	AlreadyRotated int       `json:"already_rotated"`
	ResumedFrom    string    `json:"resumed_from,omitempty"`
	State          State     `json:"state"`
	Failures       []Failure `json:"failures,omitempty"`
	// Err is set when the target could not be fetched at all.
	Err error `json:"-"`
}

func (t TargetReport) MarshalJSON() ([]byte, error) {
	type alias TargetReport
	return json.Marshal(struct {
		alias
		Err string `json:"error,omitempty"`
	}{alias(t), errString(t.Err)})
}

// Report is the outcome of one Rotate call.
type Report struct {
	RunID      string         `json:"run_id"`
	Mode       Mode           `json:"mode"`
	DryRun     bool           `json:"dry_run"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Targets    []TargetReport `json:"targets"`
}

// Totals sums the counters of every target.
func (r *Report) Totals() TargetReport {
	total := TargetReport{Table: "*", State: StateDone}
	for _, t := range r.Targets {
		total.Scanned += t.Scanned
		total.Processed += t.Processed
		total.Skipped += t.Skipped
		total.Failed += t.Failed
		total.FieldFailures += t.FieldFailures
		total.AlreadyRotated += t.AlreadyRotated
		total.Failures = append(total.Failures, t.Failures...)
		if t.State != StateDone {
			total.State = t.State
		}
	}
	return total
}

// HasFailures reports whether any row, column or target failed.
func (r *Report) HasFailures() bool {
	for _, t := range r.Targets {
		if t.Err != nil || t.Failed > 0 || t.FieldFailures > 0 {
			return true
		}
	}
	return false
}

// Target returns the report of table, if it was part of the run.
func (r *Report) Target(table string) (TargetReport, bool) {
	for _, t := range r.Targets {
		if t.Table == table {
			return t, true
		}
	}
	return TargetReport{}, false
}

// Summary renders one line per target.
func (r *Report) Summary() string {
	var b strings.Builder
	for _, t := range r.Targets {
		fmt.Fprintf(&b, "%s: scanned=%d processed=%d skipped=%d failed=%d field_failures=%d already=%d",
			t.Table, t.Scanned, t.Processed, t.Skipped, t.Failed, t.FieldFailures, t.AlreadyRotated)
		if t.Err != nil {
			fmt.Fprintf(&b, " error=%q", t.Err.Error())
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
