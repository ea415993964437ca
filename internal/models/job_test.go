package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to JobStatus }{
		{JobStatusPending, JobStatusRunning},
		{JobStatusPending, JobStatusFailed},
		{JobStatusPending, JobStatusCancelled},
		{JobStatusRunning, JobStatusSucceeded},
		{JobStatusRunning, JobStatusFailed},
		{JobStatusRunning, JobStatusCancelled},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr.from, tr.to), "%s -> %s should be legal", tr.from, tr.to)
	}

	illegal := []struct{ from, to JobStatus }{
		{JobStatusPending, JobStatusSucceeded},
		{JobStatusRunning, JobStatusPending},
		{JobStatusSucceeded, JobStatusRunning},
		{JobStatusSucceeded, JobStatusCancelled},
		{JobStatusFailed, JobStatusRunning},
		{JobStatusFailed, JobStatusCancelled},
		{JobStatusCancelled, JobStatusRunning},
		{JobStatusCancelled, JobStatusFailed},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr.from, tr.to), "%s -> %s should be illegal", tr.from, tr.to)
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	all := []JobStatus{JobStatusPending, JobStatusRunning, JobStatusSucceeded, JobStatusFailed, JobStatusCancelled}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "terminal %s must not transition to %s", from, to)
		}
	}
}

func TestDateSelectionRoundTrip(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("range", func(t *testing.T) {
		raw, err := EncodeDateSelection(DateRangeSelection{Start: start, End: end})
		require.NoError(t, err)

		sel, err := ParseDateSelection(raw)
		require.NoError(t, err)
		rangeSel, ok := sel.(DateRangeSelection)
		require.True(t, ok)
		assert.True(t, rangeSel.Start.Equal(start))
		assert.True(t, rangeSel.End.Equal(end))
	})

	t.Run("target", func(t *testing.T) {
		raw, err := EncodeDateSelection(TargetDateSelection{Target: start, ClosestImages: 4})
		require.NoError(t, err)

		sel, err := ParseDateSelection(raw)
		require.NoError(t, err)
		targetSel, ok := sel.(TargetDateSelection)
		require.True(t, ok)
		assert.True(t, targetSel.Target.Equal(start))
		assert.Equal(t, 4, targetSel.ClosestImages)
	})

	t.Run("explicit", func(t *testing.T) {
		dates := []time.Time{start, end}
		raw, err := EncodeDateSelection(ExplicitDatesSelection{Dates: dates})
		require.NoError(t, err)

		sel, err := ParseDateSelection(raw)
		require.NoError(t, err)
		explicitSel, ok := sel.(ExplicitDatesSelection)
		require.True(t, ok)
		require.Len(t, explicitSel.Dates, 2)
	})
}

func TestParseDateSelectionRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown mode":        `{"mode":"fortnightly"}`,
		"range without end":   `{"mode":"range","start":"2024-01-01T00:00:00Z"}`,
		"inverted range":      `{"mode":"range","start":"2024-06-01T00:00:00Z","end":"2024-01-01T00:00:00Z"}`,
		"target without date": `{"mode":"target"}`,
		"explicit empty":      `{"mode":"explicit","dates":[]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDateSelection([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestParseDateSelectionDefaultsClosestImages(t *testing.T) {
	sel, err := ParseDateSelection([]byte(`{"mode":"target","target":"2024-03-15T00:00:00Z"}`))
	require.NoError(t, err)
	targetSel, ok := sel.(TargetDateSelection)
	require.True(t, ok)
	assert.Equal(t, 2, targetSel.ClosestImages)
}

func TestResolveSubmission(t *testing.T) {
	t.Run("range passes through", func(t *testing.T) {
		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		from, to, maxScenes, explicit, err := ResolveSubmission(DateRangeSelection{Start: start, End: end})
		require.NoError(t, err)
		assert.True(t, from.Equal(start))
		assert.True(t, to.Equal(end))
		assert.Zero(t, maxScenes)
		assert.Nil(t, explicit)
	})

	t.Run("target opens a symmetric window", func(t *testing.T) {
		target := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
		from, to, maxScenes, _, err := ResolveSubmission(TargetDateSelection{Target: target, ClosestImages: 3})
		require.NoError(t, err)
		assert.Equal(t, 3, maxScenes)
		assert.Equal(t, to.Sub(target), target.Sub(from))
		assert.Equal(t, 2*targetWindowDays, int(to.Sub(from).Hours()/24))
	})

	t.Run("explicit dates bound the window", func(t *testing.T) {
		dates := []time.Time{
			time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		}
		from, to, maxScenes, explicit, err := ResolveSubmission(ExplicitDatesSelection{Dates: dates})
		require.NoError(t, err)
		assert.True(t, from.Equal(dates[1]))
		assert.True(t, to.Equal(dates[2]))
		assert.Equal(t, 3, maxScenes)
		assert.Len(t, explicit, 3)
	})
}

func TestScheduleNextRun(t *testing.T) {
	sched := JobSchedule{FrequencyDays: 12}
	fired := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 13, 8, 0, 0, 0, time.UTC), sched.NextRun(fired))
}
