package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartExpiresAfterInterval(t *testing.T) {
	start := time.Unix(0, 0)
	s := NewSet(start)
	s.Start(Sync, time.Second)

	s.Tick(start.Add(500 * time.Millisecond))
	assert.False(t, s.Expired(Sync))

	s.Tick(start.Add(1100 * time.Millisecond))
	assert.True(t, s.Expired(Sync))
	// read-and-clear: second read is false until it fires again
	assert.False(t, s.Expired(Sync))
}

func TestPeriodicTimerReloads(t *testing.T) {
	start := time.Unix(0, 0)
	s := NewSet(start)
	s.Start(AnnounceInterval, time.Second)

	s.Tick(start.Add(time.Second))
	require.True(t, s.Expired(AnnounceInterval))
	require.True(t, s.Running(AnnounceInterval))

	s.Tick(start.Add(2 * time.Second))
	require.True(t, s.Expired(AnnounceInterval))
}

func TestAnnounceReceiptIsOneShot(t *testing.T) {
	start := time.Unix(0, 0)
	s := NewSet(start)
	s.Start(AnnounceReceipt, time.Second)

	s.Tick(start.Add(2 * time.Second))
	require.True(t, s.Expired(AnnounceReceipt))
	require.False(t, s.Running(AnnounceReceipt))
}

func TestStopClearsExpiry(t *testing.T) {
	start := time.Unix(0, 0)
	s := NewSet(start)
	s.Start(DelayReq, time.Millisecond)
	s.Tick(start.Add(time.Second))
	s.Stop(DelayReq)
	assert.False(t, s.Expired(DelayReq))
	assert.False(t, s.Running(DelayReq))
}

func TestNextExpiryPicksShortest(t *testing.T) {
	start := time.Unix(0, 0)
	s := NewSet(start)
	s.Start(Sync, time.Second)
	s.Start(AnnounceInterval, 2*time.Second)

	next, ok := s.NextExpiry()
	require.True(t, ok)
	assert.Equal(t, time.Second, next)
}

func TestNextExpiryFalseWhenNothingRunning(t *testing.T) {
	s := NewSet(time.Unix(0, 0))
	_, ok := s.NextExpiry()
	assert.False(t, ok)
}
