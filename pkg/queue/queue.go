// Package queue provides the per-service task queues the broker pops from,
// and the issue trackers that tell a first dispatch from a re-issue.
//
// Every service has one FIFO named "service-queue-<name>". Push appends,
// Unpop puts a task back at the head, Pop takes from the head.
package queue

import (
	"encoding/json"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"taskbroker/pkg/protocol"
)

var log = logging.Logger("queue")

func encodeTask(t *protocol.Task) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, xerrors.Errorf("encode task %s: %w", t.SID, err)
	}
	return data, nil
}

func decodeTask(data []byte) (*protocol.Task, error) {
	var t protocol.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, xerrors.Errorf("decode queued task: %w", err)
	}
	return &t, nil
}

// undecodable reports a payload that was moved to the dead letter queue.
func undecodable(service string, data []byte, cause error) error {
	log.Errorw("moved undecodable task to dead letter queue",
		"service", service, "queue", protocol.DeadLetterQueue, "bytes", len(data), "error", cause)
	return &protocol.UndecodableTaskError{Service: service, Reason: cause.Error()}
}

func serviceFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, protocol.QueuePrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, protocol.QueuePrefix), true
}

// issueField identifies one (submission, file, service) dispatch.
func issueField(sid, sha256, service string) string {
	return sid + "/" + sha256 + "/" + service
}
