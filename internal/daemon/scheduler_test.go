package daemon

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduler_ScheduleHeartbeat(t *testing.T) {
	t.Run("runs the beat on its interval", func(t *testing.T) {
		s, err := NewScheduler(slog.Default())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Stop() })

		var beats atomic.Int32
		id, err := s.ScheduleHeartbeat(20*time.Millisecond, func() { beats.Add(1) })
		require.NoError(t, err)
		require.NotEmpty(t, id)

		s.Start()
		require.Eventually(t, func() bool { return beats.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("rejects non-positive interval", func(t *testing.T) {
		s, err := NewScheduler(slog.Default())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Stop() })

		_, err = s.ScheduleHeartbeat(0, func() {})
		require.Error(t, err)
	})
}
