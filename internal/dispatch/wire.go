package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/certdispatch/certdispatch/internal/queue"
)

// SubjectRef is a subject id that agents may send as a JSON number or string.
type SubjectRef string

// UnmarshalJSON implements json.Unmarshaler.
func (r *SubjectRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = SubjectRef(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("subject id must be a number or string: %w", err)
	}
	*r = SubjectRef(n.String())
	return nil
}

// Valid reports whether the reference names a subject. Zero and negative
// numeric ids are rejected.
func (r SubjectRef) Valid() bool {
	if r == "" {
		return false
	}
	if n, err := strconv.ParseInt(string(r), 10, 64); err == nil {
		return n > 0
	}
	return true
}

// Int64 is an integer agents may send as a JSON number or numeric string.
type Int64 int64

// UnmarshalJSON implements json.Unmarshaler. Unparseable values decode as 0.
func (v *Int64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if s == "" || s == "null" {
		*v = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*v = Int64(n)
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*v = Int64(f)
		return nil
	}
	*v = 0
	return nil
}

// AgentTask is a task as handed to an agent.
type AgentTask struct {
	SubjectID   string `json:"subjectId"`
	Target      string `json:"target"`
	Label       string `json:"label"`
	Context     string `json:"context"`
	RequestID   string `json:"requestId"`
	CallbackURL string `json:"callbackUrl"`
}

func toAgentTasks(tasks []queue.Task, callback string) []AgentTask {
	out := make([]AgentTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, AgentTask{
			SubjectID:   t.SubjectID,
			Target:      t.Target,
			Label:       t.Label,
			Context:     t.Context,
			RequestID:   t.RequestID,
			CallbackURL: callback,
		})
	}
	return out
}

// PollRequest are the parameters of a poll.
type PollRequest struct {
	Limit  int
	Filter queue.AgentFilter
	Force  bool
}

// PollResult is returned to a polling agent.
type PollResult struct {
	Tasks   []AgentTask `json:"tasks"`
	Count   int         `json:"count"`
	Pending int         `json:"pending"`
}

// ReportRow is one result posted by an agent.
type ReportRow struct {
	ID        SubjectRef `json:"id"`
	RequestID string     `json:"request_id"`
	ExpiryTS  Int64      `json:"expiry_ts,omitempty"`
	Error     string     `json:"error,omitempty"`

	CommonName string `json:"common_name,omitempty"`
	CN         string `json:"cn,omitempty"`
	IssuerName string `json:"issuer_name,omitempty"`
	Issuer     string `json:"issuer,omitempty"`
	CA         string `json:"ca,omitempty"`
	Source     string `json:"source,omitempty"`
	CheckName  string `json:"check_name,omitempty"`
	Status     string `json:"status,omitempty"`
	LatencyMS  Int64  `json:"latency_ms,omitempty"`
	ExecutedAt string `json:"executed_at,omitempty"`
	Initiator  string `json:"initiator,omitempty"`
}

// Expiry returns the reported expiry, if any.
func (r ReportRow) Expiry() (time.Time, bool) {
	if r.ExpiryTS <= 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(r.ExpiryTS), 0).UTC(), true
}

// ReportedCommonName returns the first non-empty common name alias.
func (r ReportRow) ReportedCommonName() string {
	return firstNonEmpty(r.CommonName, r.CN)
}

// ReportedIssuer returns the first non-empty issuer alias.
func (r ReportRow) ReportedIssuer() string {
	return firstNonEmpty(r.IssuerName, r.Issuer, r.CA)
}

// ReportRequest is the body of a report.
type ReportRequest struct {
	Results []json.RawMessage `json:"results"`
}

// AckRow acknowledges receipt of one task.
type AckRow struct {
	ID        SubjectRef `json:"id"`
	RequestID string     `json:"request_id"`
}

// AckRequest is the body of an acknowledgement. Agents use any of the three
// field names.
type AckRequest struct {
	Tasks        []AckRow `json:"tasks"`
	Acks         []AckRow `json:"acks"`
	Acknowledged []AckRow `json:"acknowledged"`
}

// Rows returns the first non-empty list.
func (a AckRequest) Rows() []AckRow {
	switch {
	case len(a.Tasks) > 0:
		return a.Tasks
	case len(a.Acks) > 0:
		return a.Acks
	default:
		return a.Acknowledged
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
