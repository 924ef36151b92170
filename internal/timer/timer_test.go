package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduler_NextYieldsEarliestElapsed(t *testing.T) {
	s := New()
	s.AddOrUpdate(ID{Kind: Heartbeat}, time.Millisecond)
	s.AddOrUpdate(ID{Kind: Boot}, time.Hour)

	_, ok := s.Next()
	assert.False(t, ok, "nothing has elapsed yet")

	time.Sleep(5 * time.Millisecond)

	id, ok := s.Next()
	assert.True(t, ok)
	assert.Equal(t, Heartbeat, id.Kind)

	_, ok = s.Next()
	assert.False(t, ok, "Boot has not elapsed")
}

func TestScheduler_RemoveCancelsTimer(t *testing.T) {
	s := New()
	id := ID{Kind: StatusNotification, Index: 2}
	s.AddOrUpdate(id, time.Millisecond)
	s.Remove(id)

	time.Sleep(5 * time.Millisecond)
	_, ok := s.Next()
	assert.False(t, ok)
}

func TestScheduler_TieBreakByKindThenIndex(t *testing.T) {
	s := New()
	// AddOrUpdate reads time.Now per call, so set one shared deadline
	// directly to get a real tie.
	past := time.Now().Add(-time.Millisecond)
	s.deadlines[ID{Kind: Authorize, Index: 2}] = past
	s.deadlines[ID{Kind: Authorize, Index: 1}] = past
	s.recompute()

	id, ok := s.Next()
	assert.True(t, ok)
	assert.Equal(t, ID{Kind: Authorize, Index: 1}, id)
}

func TestScheduler_NextDeadlineReflectsEarliestPending(t *testing.T) {
	s := New()
	_, ok := s.NextDeadline()
	assert.False(t, ok)

	s.AddOrUpdate(ID{Kind: Call}, time.Hour)
	s.AddOrUpdate(ID{Kind: Heartbeat}, time.Minute)

	deadline, ok := s.NextDeadline()
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, time.Second)
}

func TestScheduler_AddOrUpdateReplacesExisting(t *testing.T) {
	s := New()
	id := ID{Kind: Reservation, Index: 5}
	s.AddOrUpdate(id, time.Hour)
	s.AddOrUpdate(id, -time.Millisecond)

	got, ok := s.Next()
	assert.True(t, ok)
	assert.Equal(t, id, got)
}
