package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/spark/pkg/config"
)

const (
	// RequestJob is the request kind asking the Lighthouse for work
	RequestJob = "job"

	// RequestJobStatus carries an excerpt of a running job's output
	RequestJobStatus = "job-status"
)

// JobStatus is a job state reported back to the Lighthouse. It is sent as
// request kind "job-<status>".
type JobStatus string

const (
	StatusAccepted JobStatus = "accepted"
	StatusRejected JobStatus = "rejected"
	StatusSuccess  JobStatus = "success"
	StatusFailed   JobStatus = "failed"
)

// AcceptAll advertises that any job kind is accepted. No capability filtering
// is done on this side.
var AcceptAll = []string{"*"}

var (
	// ErrEmptyReply is returned for an empty or absent reply frame
	ErrEmptyReply = errors.New("empty reply from Lighthouse")

	// ErrNoJob means the Lighthouse answered but has no work for us
	ErrNoJob = errors.New("no job available")
)

// MalformedReplyError is returned when a reply is not JSON
type MalformedReplyError struct {
	Raw string
	Err error
}

func (e *MalformedReplyError) Error() string {
	return fmt.Sprintf("unable to decode server reply (%q): %v", truncate(e.Raw, 120), e.Err)
}

func (e *MalformedReplyError) Unwrap() error {
	return e.Err
}

// ServerError carries an error message sent by the Lighthouse instead of a job
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("received error message from server: %s", e.Message)
}

// JobRequest is the wire form of a job request
type JobRequest struct {
	Request     string   `json:"request"`
	MachineName string   `json:"machine_name"`
	MachineID   string   `json:"machine_id"`
	Accepts     []string `json:"accepts"`
}

// JobPayload is an assignment document, passed verbatim to the executor
type JobPayload string

// JobInfo holds the few assignment fields Spark looks at for logging and
// bookkeeping. Everything else belongs to the runner. Fields the payload
// lacks, or carries with a non-string value, are empty.
type JobInfo struct {
	UUID   string
	Kind   string
	Module string
}

// NewJobRequest builds the request for identity
func NewJobRequest(identity *config.Identity) *JobRequest {
	return &JobRequest{
		Request:     RequestJob,
		MachineName: identity.MachineName,
		MachineID:   identity.MachineID,
		Accepts:     AcceptAll,
	}
}

// EncodeRequest returns the compact JSON job request for identity. The output
// is byte-identical for identical identities.
func EncodeRequest(identity *config.Identity) string {
	// A struct of strings always marshals
	data, _ := json.Marshal(NewJobRequest(identity))
	return string(data)
}

// JobStatusReport is the wire form of a job state change
type JobStatusReport struct {
	Request     string `json:"request"`
	MachineName string `json:"machine_name"`
	MachineID   string `json:"machine_id"`
	UUID        string `json:"uuid"`
}

// LogExcerpt is the wire form of a chunk of job output
type LogExcerpt struct {
	Request     string `json:"request"`
	MachineName string `json:"machine_name"`
	MachineID   string `json:"machine_id"`
	JobID       string `json:"_id"`
	Excerpt     string `json:"log_excerpt"`
}

// EncodeJobStatus returns the compact JSON report of status for jobID
func EncodeJobStatus(identity *config.Identity, jobID string, status JobStatus) string {
	data, _ := json.Marshal(&JobStatusReport{
		Request:     "job-" + string(status),
		MachineName: identity.MachineName,
		MachineID:   identity.MachineID,
		UUID:        jobID,
	})
	return string(data)
}

// EncodeLogExcerpt returns the compact JSON message carrying excerpt of the
// output of jobID
func EncodeLogExcerpt(identity *config.Identity, jobID, excerpt string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(&LogExcerpt{
		Request:     RequestJobStatus,
		MachineName: identity.MachineName,
		MachineID:   identity.MachineID,
		JobID:       jobID,
		Excerpt:     excerpt,
	})
	return strings.TrimSuffix(buf.String(), "\n")
}

// DecodeAssignment validates that a reply was delivered and returns it unmodified
func DecodeAssignment(raw string) (JobPayload, error) {
	if raw == "" {
		return "", ErrEmptyReply
	}
	return JobPayload(raw), nil
}

// Inspect classifies a delivered payload. A falsy document (null, {}, [],
// "", 0, false) is ErrNoJob and an object with a set "error" member is a
// *ServerError. Only text that is not JSON at all is a *MalformedReplyError.
// Anything else is a job: the bookkeeping fields are read when they are
// strings and ignored otherwise.
func Inspect(payload JobPayload) (*JobInfo, error) {
	raw := bytes.TrimSpace([]byte(payload))
	if len(raw) == 0 {
		return nil, ErrEmptyReply
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &MalformedReplyError{Raw: string(payload), Err: err}
	}
	if !truthy(doc) {
		return nil, ErrNoJob
	}

	fields, ok := doc.(map[string]any)
	if !ok {
		return &JobInfo{}, nil
	}

	if msg, ok := fields["error"]; ok && truthy(msg) {
		return nil, &ServerError{Message: errorText(msg)}
	}

	return &JobInfo{
		UUID:   stringField(fields, "uuid"),
		Kind:   stringField(fields, "kind"),
		Module: stringField(fields, "module"),
	}, nil
}

func truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

func errorText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
