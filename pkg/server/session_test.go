package server //nolint:testpackage // socket tests drive handleConn directly

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"taskbroker/pkg/protocol"
)

func doneFrame(t *testing.T, task *protocol.Task) protocol.Message {
	t.Helper()
	rawTask, err := json.Marshal(task)
	require.NoError(t, err)
	rawResult, err := json.Marshal(scoredResult())
	require.NoError(t, err)
	return protocol.Message{Type: protocol.MsgDoneTask, DoneTask: &protocol.DoneTaskPayload{
		ExecTime: 120,
		Task:     rawTask,
		Result:   rawResult,
	}}
}

func (st *stack) resultStored(t *testing.T, task *protocol.Task) func() bool {
	t.Helper()
	key := protocol.ResultKey(testSHA, testService, testVersion, protocol.ConfKey("", task.ServiceConfig), false)
	return func() bool {
		r, err := st.store.GetResult(context.Background(), key)
		return err == nil && r != nil
	}
}

// --- Websocket ---

func TestWebsocketSession(t *testing.T) {
	st := newStack(t)
	require.NoError(t, st.client.Submit(context.Background(), newTask("sid-ws")))

	ts := httptest.NewServer(st.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/tasking"
	conn, resp, err := websocket.DefaultDialer.Dial(url, workerHeaders("ws-1"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteJSON(protocol.Message{Type: protocol.MsgWaitForTask}))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got protocol.Message
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, protocol.MsgGotTask, got.Type)
	require.NotNil(t, got.GotTask)
	require.Equal(t, "sid-ws", got.GotTask.SID)

	require.NoError(t, conn.WriteJSON(protocol.Message{
		Type:         protocol.MsgTaskReceived,
		TaskReceived: &protocol.TaskReceivedPayload{SID: "sid-ws", IdleTime: 0.5},
	}))
	require.NoError(t, conn.WriteJSON(doneFrame(t, got.GotTask)))
	waitFor(t, st.resultStored(t, got.GotTask), 2*time.Second)

	_ = conn.Close()
	waitFor(t, func() bool { return st.broker.Registry().Len() == 0 }, 2*time.Second)
}

func TestWebsocketRejectsWrongKey(t *testing.T) {
	st := newStack(t)
	ts := httptest.NewServer(st.srv.Handler())
	defer ts.Close()

	h := workerHeaders("ws-1")
	h.Set(protocol.HeaderAPIKey, "nope")
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/tasking"
	_, resp, err := websocket.DefaultDialer.Dial(url, h)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 401, resp.StatusCode)
	_ = resp.Body.Close()
}

// --- Line socket ---

type lineClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialLine(t *testing.T, st *stack) *lineClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		st.srv.handleConn(ctx, server)
	}()
	t.Cleanup(func() {
		cancel()
		_ = client.Close()
		<-done
	})
	return &lineClient{conn: client, r: bufio.NewReader(client)}
}

func (c *lineClient) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = c.conn.Write(append(data, '\n'))
	require.NoError(t, err)
}

func (c *lineClient) read(t *testing.T) protocol.Message {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadBytes('\n')
	require.NoError(t, err)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(line, &msg))
	return msg
}

func socketHello(container, key string) *protocol.Hello {
	return &protocol.Hello{
		ContainerID:    container,
		ServiceName:    testService,
		ServiceVersion: testVersion,
		ServiceTimeout: 30,
		AuthKey:        key,
	}
}

func TestLineSocketSession(t *testing.T) {
	st := newStack(t)
	require.NoError(t, st.client.Submit(context.Background(), newTask("sid-sock")))

	c := dialLine(t, st)
	c.send(t, protocol.Message{Type: protocol.MsgHello, Hello: socketHello("sock-1", testKey)})
	c.send(t, protocol.Message{Type: protocol.MsgWaitForTask})

	got := c.read(t)
	require.Equal(t, protocol.MsgGotTask, got.Type)
	require.Equal(t, "sid-sock", got.GotTask.SID)

	sessions := st.broker.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, "socket", sessions[0].Transport)

	c.send(t, protocol.Message{Type: protocol.MsgTaskReceived, TaskReceived: &protocol.TaskReceivedPayload{SID: "sid-sock"}})
	c.send(t, doneFrame(t, got.GotTask))
	waitFor(t, st.resultStored(t, got.GotTask), 2*time.Second)

	_ = c.conn.Close()
	waitFor(t, func() bool { return st.broker.Registry().Len() == 0 }, 2*time.Second)
}

func TestLineSocketUnknownFrame(t *testing.T) {
	st := newStack(t)
	c := dialLine(t, st)
	c.send(t, protocol.Message{Type: protocol.MsgHello, Hello: socketHello("sock-1", testKey)})
	c.send(t, protocol.Message{Type: "bogus"})

	msg := c.read(t)
	require.Equal(t, protocol.MsgError, msg.Type)
	require.Contains(t, msg.Error.Message, "unknown message type bogus")
}

func TestLineSocketRefusesWrongKey(t *testing.T) {
	st := newStack(t)
	c := dialLine(t, st)
	c.send(t, protocol.Message{Type: protocol.MsgHello, Hello: socketHello("sock-1", "wrong")})

	msg := c.read(t)
	require.Equal(t, protocol.MsgError, msg.Type)
	require.Equal(t, "Unauthorized access denied", msg.Error.Message)
	require.Equal(t, 0, st.broker.Registry().Len())
}

func TestLineSocketRequiresHelloFirst(t *testing.T) {
	st := newStack(t)
	c := dialLine(t, st)
	c.send(t, protocol.Message{Type: protocol.MsgWaitForTask})

	msg := c.read(t)
	require.Equal(t, protocol.MsgError, msg.Type)
	require.Equal(t, "first message must be hello", msg.Error.Message)
}
