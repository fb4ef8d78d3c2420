package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueue() *RedisQueue {
	return NewRedisQueue(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func encodeEntry(t *testing.T, id string, job Job) redis.XMessage {
	t.Helper()
	body, err := json.Marshal(job)
	require.NoError(t, err)
	return redis.XMessage{ID: id, Values: map[string]any{"job": string(body)}}
}

// Reclaimed pending entries flow through the same partition routing as
// fresh reads, so same-key jobs stay ordered across crash recovery.
func TestDispatch_SameKeyLandsOnOnePartition(t *testing.T) {
	q := testQueue()

	partitions := make([]chan Job, 4)
	for i := range partitions {
		partitions[i] = make(chan Job, 16)
	}

	var msgs []redis.XMessage
	for i := 0; i < 8; i++ {
		msgs = append(msgs, encodeEntry(t, fmt.Sprintf("1-%d", i), Job{
			ID:   fmt.Sprintf("job-%d", i),
			Kind: KindOrderEvent,
			Key:  "0xcontract:42",
		}))
	}

	ok := q.dispatch(context.Background(), streamName(KindOrderEvent), msgs, partitions)
	require.True(t, ok)

	idx := partitionIndex("0xcontract:42", len(partitions))
	assert.Len(t, partitions[idx], 8)
	for i, ch := range partitions {
		if i != idx {
			assert.Empty(t, ch, "partition %d", i)
		}
	}
}

func TestDispatch_CarriesStreamIDForAck(t *testing.T) {
	q := testQueue()
	partitions := []chan Job{make(chan Job, 1)}

	msg := encodeEntry(t, "5-0", Job{ID: "job-1", Kind: KindOrderEvent, Key: "k"})
	require.True(t, q.dispatch(context.Background(), streamName(KindOrderEvent), []redis.XMessage{msg}, partitions))

	job := <-partitions[0]
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, "5-0", job.streamID)
}

func TestDispatch_StopsWhenContextEnds(t *testing.T) {
	q := testQueue()
	// Unbuffered partition with no worker: the send must block, and the
	// cancelled context has to unblock it.
	partitions := []chan Job{make(chan Job)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg := encodeEntry(t, "1-0", Job{ID: "job-1", Kind: KindOrderEvent, Key: "k"})
	assert.False(t, q.dispatch(ctx, streamName(KindOrderEvent), []redis.XMessage{msg}, partitions))
}

func TestPartitionIndex_Stable(t *testing.T) {
	a := partitionIndex("maker-1", 8)
	for i := 0; i < 100; i++ {
		assert.Equal(t, a, partitionIndex("maker-1", 8))
	}
	assert.Equal(t, 0, partitionIndex("anything", 1))
}
