package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSteps_StageLayout(t *testing.T) {
	t.Parallel()

	steps := CanonicalSteps()
	require.Len(t, steps, 8)
	assert.Equal(t, StepProperty, steps[0].Kind)
	assert.Equal(t, StageLeader, steps[0].Stage)
	assert.False(t, steps[0].RequiresEntityID)

	var parallel, dependent int
	for _, d := range steps[1:] {
		assert.True(t, d.RequiresEntityID, "%s should require entity id", d.Kind)
		switch d.Stage {
		case StageParallel:
			parallel++
		case StageDependent:
			dependent++
		default:
			t.Fatalf("unexpected stage %s for %s", d.Stage, d.Kind)
		}
	}
	assert.Equal(t, 5, parallel)
	assert.Equal(t, 2, dependent)
}

func TestCanonicalSteps_ReturnsCopy(t *testing.T) {
	t.Parallel()

	steps := CanonicalSteps()
	steps[0].Kind = "mutated"
	assert.Equal(t, StepProperty, CanonicalSteps()[0].Kind)
}

func TestParseStepKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    StepKind
		wantErr bool
	}{
		{"property", StepProperty, false},
		{"floor-plans", StepFloorPlans, false},
		{" Offers ", StepOffers, false},
		{"competitors", StepCompetitors, false},
		{"videos", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseStepKind(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStepKinds_SkipsBlank(t *testing.T) {
	t.Parallel()

	got, err := ParseStepKinds([]string{"images", "", " ", "reviews"})
	require.NoError(t, err)
	assert.Equal(t, []StepKind{StepImages, StepReviews}, got)
}

func TestCanonicalOrder(t *testing.T) {
	t.Parallel()

	t.Run("empty selects all", func(t *testing.T) {
		got, err := CanonicalOrder(nil)
		require.NoError(t, err)
		assert.Equal(t, CanonicalKinds(), got)
	})

	t.Run("reorders and dedupes", func(t *testing.T) {
		got, err := CanonicalOrder([]StepKind{StepCompetitors, StepImages, StepProperty, StepImages})
		require.NoError(t, err)
		assert.Equal(t, []StepKind{StepProperty, StepImages, StepCompetitors}, got)
	})

	t.Run("unknown step", func(t *testing.T) {
		_, err := CanonicalOrder([]StepKind{StepImages, "videos"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown step")
	})
}

func TestStageString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "leader", StageLeader.String())
	assert.Equal(t, "parallel", StageParallel.String())
	assert.Equal(t, "dependent", StageDependent.String())
	assert.Equal(t, "unknown", Stage(0).String())
}
