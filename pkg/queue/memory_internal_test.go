package queue //nolint:testpackage // seeds raw payloads the encoder would never produce

import (
	"container/list"
	"testing"

	"github.com/stretchr/testify/require"

	"taskbroker/pkg/protocol"
)

func TestMemoryPopMovesUndecodableToDeadLetters(t *testing.T) {
	t.Parallel()
	q := NewMemory()
	raw := []byte(`{"sid": "sid-1", "fileinfo": `)
	l := list.New()
	l.PushBack(raw)
	q.queues["Extract"] = l

	got, err := q.Pop(t.Context(), "Extract", 0)
	require.Nil(t, got)
	var undecodable *protocol.UndecodableTaskError
	require.ErrorAs(t, err, &undecodable)
	require.Equal(t, "Extract", undecodable.Service)

	dead, err := q.DeadLetters(t.Context())
	require.NoError(t, err)
	require.Equal(t, [][]byte{raw}, dead)

	n, err := q.Length(t.Context(), "Extract")
	require.NoError(t, err)
	require.Zero(t, n)
}
