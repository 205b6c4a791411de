package presence_test

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gameroom/internal/game/presence"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestMarkDisconnected_UsesGracePeriod(t *testing.T) {
	tr := presence.NewTracker(0, fixedNow(epoch))
	d := tr.MarkDisconnected("r1", "u1")
	assert.Equal(t, epoch.Add(presence.DefaultGracePeriod), d)
	assert.Equal(t, 1, tr.Pending())

	got, ok := tr.Deadline("r1", "u1")
	require.True(t, ok)
	assert.Equal(t, d, got)
}

func TestMarkConnected_CancelsDeadline(t *testing.T) {
	tr := presence.NewTracker(time.Second, fixedNow(epoch))
	tr.MarkDisconnected("r1", "u1")
	assert.True(t, tr.MarkConnected("r1", "u1"))
	assert.False(t, tr.MarkConnected("r1", "u1"))
	assert.Empty(t, tr.SweepExpired(epoch.Add(time.Hour)))
}

func TestSweepExpired_OrderAndBoundary(t *testing.T) {
	tr := presence.NewTracker(time.Second, fixedNow(epoch))
	tr.Track("r1", "late", epoch.Add(3*time.Second))
	tr.Track("r1", "early", epoch.Add(time.Second))
	tr.Track("r2", "exact", epoch.Add(2*time.Second))

	out := tr.SweepExpired(epoch.Add(2 * time.Second))
	require.Len(t, out, 2)
	assert.Equal(t, "early", out[0].UserID)
	assert.Equal(t, "exact", out[1].UserID)
	assert.Equal(t, 1, tr.Pending())

	assert.Empty(t, tr.SweepExpired(epoch.Add(2*time.Second)), "expired entries are removed")
}

func TestTrack_Reschedules(t *testing.T) {
	tr := presence.NewTracker(time.Second, fixedNow(epoch))
	tr.Track("r1", "u1", epoch.Add(time.Second))
	tr.Track("r1", "u1", epoch.Add(time.Minute))
	assert.Empty(t, tr.SweepExpired(epoch.Add(time.Second)))
	assert.Len(t, tr.SweepExpired(epoch.Add(time.Minute)), 1)
}

func TestSyncRoom_ReplacesRoomEntriesOnly(t *testing.T) {
	tr := presence.NewTracker(time.Second, fixedNow(epoch))
	tr.Track("r1", "gone", epoch.Add(time.Second))
	tr.Track("r1", "moved", epoch.Add(time.Second))
	tr.Track("r2", "other", epoch.Add(time.Second))

	tr.SyncRoom("r1", map[string]time.Time{
		"moved": epoch.Add(time.Minute),
		"new":   epoch.Add(2 * time.Second),
	})

	_, ok := tr.Deadline("r1", "gone")
	assert.False(t, ok)
	d, ok := tr.Deadline("r1", "moved")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Minute), d)
	_, ok = tr.Deadline("r2", "other")
	assert.True(t, ok)
	assert.Equal(t, 3, tr.Pending())
}

func TestConcurrentUse(t *testing.T) {
	tr := presence.NewTracker(time.Millisecond, time.Now)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				user := string(rune('a' + (i+j)%26))
				tr.MarkDisconnected("room", user)
				if j%3 == 0 {
					tr.MarkConnected("room", user)
				}
				tr.SweepExpired(time.Now())
			}
		}(i)
	}
	wg.Wait()
	tr.SweepExpired(time.Now().Add(time.Second))
	assert.Equal(t, 0, tr.Pending())
}

func TestProperty_SweepReturnsExactlyExpired(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tr := presence.NewTracker(time.Second, fixedNow(epoch))
		want := map[string]time.Time{}
		n := rapid.IntRange(0, 40).Draw(t, "n")
		for i := 0; i < n; i++ {
			user := rapid.StringMatching(`u[0-9]{1,2}`).Draw(t, "user")
			offset := time.Duration(rapid.IntRange(0, 100).Draw(t, "offset")) * time.Second
			tr.Track("r", user, epoch.Add(offset))
			want[user] = epoch.Add(offset)
			if rapid.Bool().Draw(t, "cancel") {
				tr.MarkConnected("r", user)
				delete(want, user)
			}
		}
		cut := epoch.Add(time.Duration(rapid.IntRange(0, 100).Draw(t, "cut")) * time.Second)

		var expected []string
		for u, d := range want {
			if !d.After(cut) {
				expected = append(expected, u)
			}
		}
		var got []string
		var last time.Time
		for _, e := range tr.SweepExpired(cut) {
			if e.Deadline.Before(last) {
				t.Fatalf("sweep out of order")
			}
			last = e.Deadline
			got = append(got, e.UserID)
		}
		sort.Strings(expected)
		sort.Strings(got)
		if len(expected) != len(got) {
			t.Fatalf("got %v, want %v", got, expected)
		}
		for i := range got {
			if got[i] != expected[i] {
				t.Fatalf("got %v, want %v", got, expected)
			}
		}
		if tr.Pending() != len(want)-len(expected) {
			t.Fatalf("pending %d, want %d", tr.Pending(), len(want)-len(expected))
		}
	})
}
