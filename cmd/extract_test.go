package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/property-research/internal/model"
)

func newRunCmd(t *testing.T, withSteps bool, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "test"}
	addRunFlags(c)
	if withSteps {
		c.Flags().StringSlice("steps", nil, "")
	}
	require.NoError(t, c.Flags().Parse(args))
	return c
}

func TestRunFlagsFrom_Defaults(t *testing.T) {
	flags, err := runFlagsFrom(newRunCmd(t, true))
	require.NoError(t, err)
	assert.Equal(t, model.RunFlags{}, flags)
}

func TestRunFlagsFrom_AllSet(t *testing.T) {
	c := newRunCmd(t, true,
		"--use-cache=false", "--force-refresh", "--interactive",
		"--steps", "reviews,floor-plans",
	)
	flags, err := runFlagsFrom(c)
	require.NoError(t, err)

	assert.Equal(t, model.UseCacheFalse, flags.UseCache)
	assert.True(t, flags.ForceRefresh)
	assert.True(t, flags.Interactive)
	assert.Equal(t, []model.StepKind{model.StepReviews, model.StepFloorPlans}, flags.RequestedSteps)
}

func TestRunFlagsFrom_Invalid(t *testing.T) {
	_, err := runFlagsFrom(newRunCmd(t, false, "--use-cache=maybe"))
	assert.ErrorContains(t, err, "invalid use_cache")

	_, err = runFlagsFrom(newRunCmd(t, true, "--steps", "photos"))
	assert.True(t, eris.Is(err, model.ErrUnknownStep))
}

func TestWriteSession(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := &model.Session{
		ID:             "sess-1",
		Target:         "https://www.oakridge.com",
		Status:         model.SessionStatusCompleted,
		CompletedSteps: []model.StepKind{model.StepProperty},
		Errors:         []model.StepError{},
		CreatedAt:      created,
		UpdatedAt:      created,
	}

	var buf bytes.Buffer
	require.NoError(t, writeSession(&buf, sess))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "sess-1", got["id"])
	assert.Equal(t, "completed", got["status"])
	assert.Equal(t, []any{"property"}, got["completed_steps"])
	assert.Contains(t, buf.String(), "\n  \"id\"")
}
