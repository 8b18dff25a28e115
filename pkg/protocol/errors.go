package protocol

import "fmt"

// AuthenticationError is returned when a worker presents a wrong API key.
// Headers is kept for the audit log line.
type AuthenticationError struct {
	ContainerID string
	ServiceName string
	Headers     map[string]string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for container %s (service %s)",
		e.ContainerID, e.ServiceName)
}

// MalformedPayloadError represents a task, result or handshake that does not
// decode or misses a required field.
type MalformedPayloadError struct {
	Field  string
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload: %s: %s", e.Field, e.Reason)
}

// UndecodableTaskError is returned by a queue pop whose payload is not a
// task. The payload has been moved to DeadLetterQueue.
type UndecodableTaskError struct {
	Service string
	Reason  string
}

func (e *UndecodableTaskError) Error() string {
	return fmt.Sprintf("undecodable task in queue %s: %s", e.Service, e.Reason)
}

// WorkerUnreachableError represents a failure delivering a task to a worker.
type WorkerUnreachableError struct {
	WorkerID string
	SID      string
	Reason   string // Human-readable failure reason (e.g., "connection closed")
}

func (e *WorkerUnreachableError) Error() string {
	return fmt.Sprintf("worker %s unreachable (sid %s): %s",
		e.WorkerID, e.SID, e.Reason)
}

// WorkerUnavailableError is reported when a task was popped but no free,
// non-banned worker of its service remained.
type WorkerUnavailableError struct {
	Service string
}

func (e *WorkerUnavailableError) Error() string {
	return fmt.Sprintf("no free worker for service %s", e.Service)
}

// ServiceDisabledError is reported for tasks addressed to a service that is
// absent from the registry or disabled.
type ServiceDisabledError struct {
	Service string
}

func (e *ServiceDisabledError) Error() string {
	return fmt.Sprintf("service %s is disabled or not registered", e.Service)
}

// WorkerNotFoundError represents a lookup of an unknown worker session.
type WorkerNotFoundError struct {
	WorkerID string
}

func (e *WorkerNotFoundError) Error() string {
	return fmt.Sprintf("worker %s not found", e.WorkerID)
}
