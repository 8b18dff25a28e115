package protocol

import (
	"encoding/json"
	"regexp"
	"time"
)

// FileInfo describes the file a task operates on.
type FileInfo struct {
	Magic  string `json:"magic"`
	MD5    string `json:"md5"`
	Mime   string `json:"mime,omitempty"`
	SHA1   string `json:"sha1"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Type   string `json:"type"`
}

// Task is one unit of work: run a single service against a single file.
type Task struct {
	SID           string         `json:"sid"`
	FileInfo      FileInfo       `json:"fileinfo"`
	Filename      string         `json:"filename,omitempty"`
	ServiceName   string         `json:"service_name"`
	ServiceConfig map[string]any `json:"service_config"`
	Depth         int            `json:"depth"`
	MaxFiles      int            `json:"max_files"`
	TTL           int            `json:"ttl"` // days; 0 keeps results forever
	IgnoreCache   bool           `json:"ignore_cache"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

var sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Validate checks the fields the broker relies on to route and key a task.
func (t *Task) Validate() error {
	switch {
	case t.SID == "":
		return &MalformedPayloadError{Field: "sid", Reason: "missing"}
	case !sha256Pattern.MatchString(t.FileInfo.SHA256):
		return &MalformedPayloadError{Field: "fileinfo.sha256", Reason: "not a lowercase hex sha256"}
	case t.ServiceName == "":
		return &MalformedPayloadError{Field: "service_name", Reason: "missing"}
	}
	return nil
}

// Expiry returns now + TTL days, or nil when the task has no TTL.
func (t *Task) Expiry(now time.Time) *time.Time {
	if t.TTL <= 0 {
		return nil
	}
	exp := now.Add(time.Duration(t.TTL) * 24 * time.Hour).UTC()
	return &exp
}

// ParseTask decodes and validates a raw task document.
func ParseTask(raw json.RawMessage) (*Task, error) {
	if len(raw) == 0 {
		return nil, &MalformedPayloadError{Field: "task", Reason: "missing"}
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, &MalformedPayloadError{Field: "task", Reason: err.Error()}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// --- Results ---

// File is an extracted or supplementary file reported by a service.
type File struct {
	Name        string `json:"name"`
	SHA256      string `json:"sha256"`
	Description string `json:"description,omitempty"`
}

// ResultResponse identifies the service that produced a result.
type ResultResponse struct {
	ServiceName        string `json:"service_name"`
	ServiceVersion     string `json:"service_version"`
	ServiceToolVersion string `json:"service_tool_version,omitempty"`
	ServiceContext     string `json:"service_context,omitempty"`
	Extracted          []File `json:"extracted,omitempty"`
	Supplementary      []File `json:"supplementary,omitempty"`
}

// SectionHeuristic is the heuristic a result section claims to have triggered.
type SectionHeuristic struct {
	HeurID   string `json:"heur_id"`
	AttackID string `json:"attack_id,omitempty"`
	Score    int    `json:"score"`
}

// Section is one block of a service result.
type Section struct {
	TitleText  string            `json:"title_text"`
	Body       string            `json:"body,omitempty"`
	BodyFormat string            `json:"body_format,omitempty"`
	Depth      int               `json:"depth"`
	Heuristic  *SectionHeuristic `json:"heuristic,omitempty"`
}

// ResultBody holds the scored sections of a result.
type ResultBody struct {
	Score    int       `json:"score"`
	Sections []Section `json:"sections"`
}

// Result is the output of one service over one file.
type Result struct {
	Classification string         `json:"classification,omitempty"`
	Created        time.Time      `json:"created"`
	ExpiryTS       *time.Time     `json:"expiry_ts,omitempty"`
	Response       ResultResponse `json:"response"`
	Result         ResultBody     `json:"result"`
	SHA256         string         `json:"sha256"`
	DropFile       bool           `json:"drop_file,omitempty"`
}

// IsEmpty reports whether the result carries nothing worth storing in full.
func (r *Result) IsEmpty() bool {
	return len(r.Response.Extracted) == 0 &&
		len(r.Response.Supplementary) == 0 &&
		len(r.Result.Sections) == 0 &&
		r.Result.Score == 0
}

// BuildKey returns the cache key for this result under confKey.
func (r *Result) BuildKey(confKey string) string {
	return ResultKey(r.SHA256, r.Response.ServiceName, r.Response.ServiceVersion, confKey, r.IsEmpty())
}

// NewEmptyResult synthesizes the placeholder result served for empty cache hits.
func NewEmptyResult(sha256, serviceName, serviceVersion string, now time.Time) *Result {
	return &Result{
		Created: now.UTC(),
		Response: ResultResponse{
			ServiceName:    serviceName,
			ServiceVersion: serviceVersion,
		},
		Result: ResultBody{Sections: []Section{}},
		SHA256: sha256,
	}
}

// --- Errors ---

// Status is the terminal failure class of a service error.
type Status string

// Failure statuses.
const (
	StatusFailRecoverable    Status = "FAIL_RECOVERABLE"
	StatusFailNonRecoverable Status = "FAIL_NONRECOVERABLE"
)

// ErrorType is the category of a service error.
type ErrorType string

// Error types and their numeric codes, used in error keys.
const (
	ErrorUnknown         ErrorType = "UNKNOWN"
	ErrorException       ErrorType = "EXCEPTION"
	ErrorMaxDepthReached ErrorType = "MAX DEPTH REACHED"
	ErrorMaxFilesReached ErrorType = "MAX FILES REACHED"
	ErrorMaxRetryReached ErrorType = "MAX RETRY REACHED"
	ErrorServiceBusy     ErrorType = "SERVICE BUSY"
	ErrorServiceDown     ErrorType = "SERVICE DOWN"
	ErrorTaskPreempted   ErrorType = "TASK PRE-EMPTED"
)

var errorCodes = map[ErrorType]int{
	ErrorUnknown:         0,
	ErrorException:       1,
	ErrorMaxDepthReached: 10,
	ErrorMaxFilesReached: 11,
	ErrorMaxRetryReached: 12,
	ErrorServiceBusy:     20,
	ErrorServiceDown:     21,
	ErrorTaskPreempted:   30,
}

// Code returns the numeric code of the error type. Unknown types map to 0.
func (t ErrorType) Code() int {
	return errorCodes[t]
}

// ErrorResponse identifies the service and the failure.
type ErrorResponse struct {
	Message            string `json:"message"`
	ServiceName        string `json:"service_name"`
	ServiceVersion     string `json:"service_version"`
	ServiceToolVersion string `json:"service_tool_version,omitempty"`
	ServiceDebugInfo   string `json:"service_debug_info,omitempty"`
	Status             Status `json:"status"`
}

// Error is a structured failure record forwarded instead of a result.
type Error struct {
	Created  time.Time     `json:"created"`
	ExpiryTS *time.Time    `json:"expiry_ts,omitempty"`
	Response ErrorResponse `json:"response"`
	SHA256   string        `json:"sha256"`
	Type     ErrorType     `json:"type"`
}

// BuildKey returns the error key for this error under confKey.
func (e *Error) BuildKey(confKey string) string {
	return ErrorKey(e.SHA256, e.Response.ServiceName, e.Response.ServiceVersion, confKey, e.Type)
}

// Recoverable reports whether the dispatcher may retry the task.
func (e *Error) Recoverable() bool {
	return e.Response.Status == StatusFailRecoverable
}

// --- Registry records ---

// Heuristic is a scoring rule that result sections reference by ID.
type Heuristic struct {
	HeurID         string `json:"heur_id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	FileType       string `json:"filetype"`
	Score          int    `json:"score"`
	AttackID       string `json:"attack_id,omitempty"`
	Classification string `json:"classification,omitempty"`
}

// ServiceDescriptor is a registered analysis service.
type ServiceDescriptor struct {
	Name     string         `json:"name"`
	Version  string         `json:"version"`
	Enabled  bool           `json:"enabled"`
	Category string         `json:"category,omitempty"`
	Stage    string         `json:"stage,omitempty"`
	Timeout  int            `json:"timeout"` // seconds
	Accepts  string         `json:"accepts,omitempty"`
	Rejects  string         `json:"rejects,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}
