package dispatchclient_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskbroker/pkg/datastore"
	"taskbroker/pkg/dispatchclient"
	"taskbroker/pkg/protocol"
	"taskbroker/pkg/queue"
)

const sha = "5e3c1d4b0a2f9e8d7c6b5a4f3e2d1c0b9a8f7e6d5c4b3a2f1e0d9c8b7a6f5e4d"

func setup(t *testing.T) (*dispatchclient.Client, *queue.Memory, *datastore.Store) {
	t.Helper()
	store, err := datastore.Open(t.Context(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	q := queue.NewMemory()
	return dispatchclient.New(q, queue.NewMemoryIssues(), store), q, store
}

func task(sid string) *protocol.Task {
	return &protocol.Task{
		SID:         sid,
		FileInfo:    protocol.FileInfo{SHA256: sha},
		ServiceName: "PE",
		TTL:         1,
	}
}

func TestSubmitValidates(t *testing.T) {
	c, _, _ := setup(t)
	err := c.Submit(context.Background(), &protocol.Task{SID: "s1", ServiceName: "PE"})
	var malformed *protocol.MalformedPayloadError
	require.True(t, errors.As(err, &malformed))
}

func TestRequestWorkReportsFirstIssue(t *testing.T) {
	c, _, _ := setup(t)
	ctx := context.Background()

	got, first, err := c.RequestWork(ctx, "w1", "PE", "1.0", 0)
	require.NoError(t, err)
	require.Nil(t, got)
	require.False(t, first)

	require.NoError(t, c.Submit(ctx, task("s1")))
	got, first, err = c.RequestWork(ctx, "w1", "PE", "1.0", 0)
	require.NoError(t, err)
	require.Equal(t, "s1", got.SID)
	require.True(t, first)

	// Same task again before it finished: a re-issue.
	require.NoError(t, c.Submit(ctx, task("s1")))
	_, first, err = c.RequestWork(ctx, "w1", "PE", "1.0", 0)
	require.NoError(t, err)
	require.False(t, first)
}

func TestServiceFinishedStoresResultAndClearsIssue(t *testing.T) {
	c, _, store := setup(t)
	ctx := context.Background()
	require.NoError(t, c.Submit(ctx, task("s1")))
	_, _, err := c.RequestWork(ctx, "w1", "PE", "1.0", 0)
	require.NoError(t, err)

	r := &protocol.Result{
		Created:  time.Now().UTC(),
		Response: protocol.ResultResponse{ServiceName: "PE", ServiceVersion: "1.0"},
		Result: protocol.ResultBody{
			Score:    100,
			Sections: []protocol.Section{{TitleText: "packed"}},
		},
		SHA256: sha,
	}
	key := r.BuildKey(protocol.ConfKey("", nil))
	require.NoError(t, c.ServiceFinished(ctx, "s1", key, r))

	stored, err := store.GetResult(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 100, stored.Result.Score)

	require.NoError(t, c.Submit(ctx, task("s1")))
	_, first, err := c.RequestWork(ctx, "w1", "PE", "1.0", 0)
	require.NoError(t, err)
	require.True(t, first)
}

func TestServiceFinishedStoresEmptyMarker(t *testing.T) {
	c, _, store := setup(t)
	ctx := context.Background()

	r := protocol.NewEmptyResult(sha, "PE", "1.0", time.Now())
	key := r.BuildKey(protocol.ConfKey("", nil))
	require.NoError(t, c.ServiceFinished(ctx, "s1", key, r))

	ok, err := store.EmptyResultExists(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	full, err := store.GetResult(ctx, key)
	require.NoError(t, err)
	require.Nil(t, full)
}

func TestServiceFailedStoresError(t *testing.T) {
	c, _, store := setup(t)
	ctx := context.Background()

	e := &protocol.Error{
		Created: time.Now().UTC(),
		Response: protocol.ErrorResponse{
			Message:     protocol.MsgServiceDisabled,
			ServiceName: "PE",
			Status:      protocol.StatusFailNonRecoverable,
		},
		SHA256: sha,
		Type:   protocol.ErrorTaskPreempted,
	}
	key := e.BuildKey(protocol.ConfKey("", nil))
	require.NoError(t, c.ServiceFailed(ctx, "s1", key, e))

	keys, err := store.ErrorKeysForSID(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, []string{key}, keys)
}
