package logring

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	r := New(10000)
	e1 := r.Append(LevelInfo, "one")
	e2 := r.Append(LevelInfo, "two")
	assert.Less(t, e1.ID, e2.ID)
}

func TestRingBoundsToCapacityKeepingNewest(t *testing.T) {
	r := New(10000)
	for i := 1; i <= 12000; i++ {
		r.Append(LevelInfo, fmt.Sprintf("entry-%d", i))
	}

	entries, hasMore := r.Query(0, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(12000), entries[0].ID)
	assert.True(t, hasMore)

	// Oldest surviving id must be 2001 (12000 - 10000 + 1).
	oldest, hasMoreOldest := r.Query(2002, 1)
	require.Len(t, oldest, 1)
	assert.Equal(t, int64(2001), oldest[0].ID)
	assert.False(t, hasMoreOldest)
}

func TestQueryPaginationMatchesSeedScenario(t *testing.T) {
	r := New(10000)
	for i := 1; i <= 12000; i++ {
		r.Append(LevelInfo, fmt.Sprintf("entry-%d", i))
	}

	page1, hasMore1 := r.Query(0, 100)
	require.Len(t, page1, 100)
	assert.Equal(t, int64(12000), page1[0].ID)
	assert.Equal(t, int64(11901), page1[99].ID)
	assert.True(t, hasMore1)

	page2, hasMore2 := r.Query(11901, 100)
	require.Len(t, page2, 100)
	assert.Equal(t, int64(11900), page2[0].ID)
	assert.Equal(t, int64(11801), page2[99].ID)
	assert.True(t, hasMore2)
}

type recordingSink struct {
	mu      sync.Mutex
	entries []Entry
}

func (s *recordingSink) Publish(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func TestSinkReceivesEveryAppend(t *testing.T) {
	r := New(100)
	sink := &recordingSink{}
	r.SetSink(sink)

	r.Append(LevelError, "boom")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.entries, 1)
	assert.Equal(t, "boom", sink.entries[0].Message)
}
