package model

// TaskResult is the structured outcome attached to a completed task. It is
// assembled best-effort from the agent's result artifacts; any field may be
// missing when the artifacts were absent or unparseable.
type TaskResult struct {
	Status       string   `json:"status,omitempty"`
	Needs        []string `json:"needs,omitempty"`
	File         string   `json:"file,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	CostUSD      float64  `json:"cost_usd,omitempty"`
	DurationMS   int64    `json:"duration_ms,omitempty"`
	NumTurns     int      `json:"num_turns,omitempty"`
	Output       string   `json:"output,omitempty"`
	ParseError   string   `json:"parse_error,omitempty"`
}

// Empty reports whether no artifact data was recovered at all.
func (r *TaskResult) Empty() bool {
	return r == nil || (r.Status == "" && r.Summary == "" &&
		r.SessionID == "" && r.Output == "" && len(r.FilesChanged) == 0 &&
		len(r.Needs) == 0 && r.File == "" && r.ParseError == "")
}
