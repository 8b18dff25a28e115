package protocol

import (
	"encoding/json"
	"strconv"
)

// MessageType identifies a frame on a worker session.
type MessageType string

// Session message types. Hello is only used by the line socket transport,
// where there are no request headers to carry the handshake.
const (
	MsgHello        MessageType = "hello"
	MsgWaitForTask  MessageType = "wait_for_task"
	MsgGotTask      MessageType = "got_task"
	MsgTaskReceived MessageType = "task_received"
	MsgDoneTask     MessageType = "done_task"
	MsgError        MessageType = "error"
)

// Message is the envelope exchanged with socket workers. Exactly one payload
// pointer matching Type is set.
type Message struct {
	Type         MessageType          `json:"type"`
	Hello        *Hello               `json:"hello,omitempty"`
	GotTask      *Task                `json:"got_task,omitempty"`
	TaskReceived *TaskReceivedPayload `json:"task_received,omitempty"`
	DoneTask     *DoneTaskPayload     `json:"done_task,omitempty"`
	Error        *ErrorPayload        `json:"error,omitempty"`
}

// TaskReceivedPayload acknowledges a got_task and reports how long the worker
// sat idle before it (seconds).
type TaskReceivedPayload struct {
	SID      string  `json:"sid"`
	IdleTime float64 `json:"idle_time"`
}

// DoneTaskPayload reports the outcome of a task. Result carries either a
// result document or an error document; Error is accepted as an alternative
// slot for the error document.
type DoneTaskPayload struct {
	ExecTime int             `json:"exec_time"` // milliseconds
	Task     json.RawMessage `json:"task"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
	Freshen  bool            `json:"freshen,omitempty"`
}

// Outcome returns whichever of Result or Error was supplied.
func (p *DoneTaskPayload) Outcome() json.RawMessage {
	if len(p.Result) > 0 {
		return p.Result
	}
	return p.Error
}

// ErrorPayload is sent to a worker when the broker refuses a frame.
type ErrorPayload struct {
	Message string `json:"message"`
}

// --- Handshake ---

// Handshake header names.
const (
	HeaderContainerID        = "Container-Id"
	HeaderServiceName        = "Service-Name"
	HeaderServiceVersion     = "Service-Version"
	HeaderServiceToolVersion = "Service-Tool-Version"
	HeaderServiceTimeout     = "Service-Timeout"
	HeaderAuthKey            = "Service-API-Auth-Key"
	HeaderAPIKey             = "X-APIKey"
	HeaderForwardedFor       = "X-Forwarded-For"
	HeaderTimeout            = "Timeout"
)

// DefaultServiceTimeout applies when a worker does not announce one (seconds).
const DefaultServiceTimeout = 60

// Hello is the identity a worker presents when it connects.
type Hello struct {
	ContainerID        string `json:"container_id"`
	ServiceName        string `json:"service_name"`
	ServiceVersion     string `json:"service_version"`
	ServiceToolVersion string `json:"service_tool_version,omitempty"`
	ServiceTimeout     int    `json:"service_timeout"`
	AuthKey            string `json:"auth_key"`
	IP                 string `json:"ip,omitempty"`

	// Headers is the raw handshake, kept for audit logging.
	Headers map[string]string `json:"-"`
}

// Validate checks the required handshake fields.
func (h *Hello) Validate() error {
	switch {
	case h.ContainerID == "":
		return &MalformedPayloadError{Field: HeaderContainerID, Reason: "missing"}
	case h.ServiceName == "":
		return &MalformedPayloadError{Field: HeaderServiceName, Reason: "missing"}
	case h.ServiceVersion == "":
		return &MalformedPayloadError{Field: HeaderServiceVersion, Reason: "missing"}
	case h.ServiceTimeout < 0:
		return &MalformedPayloadError{Field: HeaderServiceTimeout, Reason: "negative"}
	}
	return nil
}

// HelloFromHeaders builds a Hello from request headers. get is usually
// http.Header.Get. The API key may arrive under either key header.
func HelloFromHeaders(get func(string) string) (*Hello, error) {
	h := &Hello{
		ContainerID:        get(HeaderContainerID),
		ServiceName:        get(HeaderServiceName),
		ServiceVersion:     get(HeaderServiceVersion),
		ServiceToolVersion: get(HeaderServiceToolVersion),
		ServiceTimeout:     DefaultServiceTimeout,
		AuthKey:            get(HeaderAuthKey),
		IP:                 get(HeaderForwardedFor),
	}
	if h.AuthKey == "" {
		h.AuthKey = get(HeaderAPIKey)
	}
	h.Headers = make(map[string]string)
	for _, name := range []string{HeaderContainerID, HeaderServiceName, HeaderServiceVersion,
		HeaderServiceToolVersion, HeaderServiceTimeout, HeaderForwardedFor} {
		if v := get(name); v != "" {
			h.Headers[name] = v
		}
	}
	if raw := get(HeaderServiceTimeout); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &MalformedPayloadError{Field: HeaderServiceTimeout, Reason: err.Error()}
		}
		h.ServiceTimeout = n
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}
