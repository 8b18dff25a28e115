package protocol_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"taskbroker/pkg/protocol"
)

func TestMessageRoundTripKeepsOnlyItsPayload(t *testing.T) {
	msg := protocol.Message{
		Type:     protocol.MsgDoneTask,
		DoneTask: &protocol.DoneTaskPayload{ExecTime: 12, Task: json.RawMessage(`{"sid":"s"}`)},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, absent := range []string{"hello", "got_task", "task_received", "error"} {
		if _, ok := raw[absent]; ok {
			t.Errorf("unexpected %q in %s", absent, data)
		}
	}
}

func TestDoneTaskOutcome(t *testing.T) {
	p := protocol.DoneTaskPayload{Error: json.RawMessage(`{"type":"EXCEPTION"}`)}
	if string(p.Outcome()) != `{"type":"EXCEPTION"}` {
		t.Fatalf("expected error slot, got %s", p.Outcome())
	}
	p.Result = json.RawMessage(`{"result":{}}`)
	if string(p.Outcome()) != `{"result":{}}` {
		t.Fatalf("expected result slot, got %s", p.Outcome())
	}
}

func TestHelloFromHeaders(t *testing.T) {
	h := http.Header{}
	h.Set(protocol.HeaderContainerID, "c-1")
	h.Set(protocol.HeaderServiceName, "Extract")
	h.Set(protocol.HeaderServiceVersion, "4.0")
	h.Set(protocol.HeaderAPIKey, "secret")

	hello, err := protocol.HelloFromHeaders(h.Get)
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	if hello.AuthKey != "secret" {
		t.Errorf("expected X-APIKey fallback, got %q", hello.AuthKey)
	}
	if hello.ServiceTimeout != protocol.DefaultServiceTimeout {
		t.Errorf("expected default timeout, got %d", hello.ServiceTimeout)
	}

	h.Set(protocol.HeaderServiceTimeout, "soon")
	_, err = protocol.HelloFromHeaders(h.Get)
	var mp *protocol.MalformedPayloadError
	if !errors.As(err, &mp) || mp.Field != protocol.HeaderServiceTimeout {
		t.Fatalf("expected malformed timeout, got %v", err)
	}

	h.Del(protocol.HeaderServiceTimeout)
	h.Del(protocol.HeaderContainerID)
	_, err = protocol.HelloFromHeaders(h.Get)
	if !errors.As(err, &mp) || mp.Field != protocol.HeaderContainerID {
		t.Fatalf("expected missing container id, got %v", err)
	}
}
