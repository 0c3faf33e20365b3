package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// StepKind identifies one extraction type in the pipeline.
type StepKind string

const (
	StepProperty    StepKind = "property"
	StepImages      StepKind = "images"
	StepBranding    StepKind = "branding"
	StepAmenities   StepKind = "amenities"
	StepFloorPlans  StepKind = "floor_plans"
	StepOffers      StepKind = "offers"
	StepReviews     StepKind = "reviews"
	StepCompetitors StepKind = "competitors"
)

// Stage is the dependency level a step runs at.
type Stage int

const (
	// StageLeader must succeed before anything else runs; it creates the entity.
	StageLeader Stage = iota + 1
	// StageParallel steps are independent of each other and fan out concurrently.
	StageParallel
	// StageDependent steps run sequentially after the parallel stage drains.
	StageDependent
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageLeader:
		return "leader"
	case StageParallel:
		return "parallel"
	case StageDependent:
		return "dependent"
	default:
		return "unknown"
	}
}

// StepDescriptor is the static metadata for a step.
type StepDescriptor struct {
	Kind             StepKind `json:"kind"`
	Stage            Stage    `json:"stage"`
	RequiresEntityID bool     `json:"requires_entity_id"`
}

// ErrUnknownStep is returned when a requested step name is not in the canonical set.
var ErrUnknownStep = eris.New("unknown step")

var canonicalSteps = []StepDescriptor{
	{Kind: StepProperty, Stage: StageLeader},
	{Kind: StepImages, Stage: StageParallel, RequiresEntityID: true},
	{Kind: StepBranding, Stage: StageParallel, RequiresEntityID: true},
	{Kind: StepAmenities, Stage: StageParallel, RequiresEntityID: true},
	{Kind: StepFloorPlans, Stage: StageParallel, RequiresEntityID: true},
	{Kind: StepOffers, Stage: StageParallel, RequiresEntityID: true},
	{Kind: StepReviews, Stage: StageDependent, RequiresEntityID: true},
	{Kind: StepCompetitors, Stage: StageDependent, RequiresEntityID: true},
}

// CanonicalSteps returns the step descriptors in canonical execution order.
// The returned slice is a copy.
func CanonicalSteps() []StepDescriptor {
	out := make([]StepDescriptor, len(canonicalSteps))
	copy(out, canonicalSteps)
	return out
}

// CanonicalKinds returns the step kinds in canonical order.
func CanonicalKinds() []StepKind {
	out := make([]StepKind, len(canonicalSteps))
	for i, d := range canonicalSteps {
		out[i] = d.Kind
	}
	return out
}

// Descriptor returns the descriptor for kind.
func Descriptor(kind StepKind) (StepDescriptor, bool) {
	for _, d := range canonicalSteps {
		if d.Kind == kind {
			return d, true
		}
	}
	return StepDescriptor{}, false
}

// ParseStepKind converts a user-supplied name into a StepKind. Hyphens are
// accepted in place of underscores.
func ParseStepKind(s string) (StepKind, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	if _, ok := Descriptor(StepKind(name)); ok {
		return StepKind(name), nil
	}
	return "", eris.Wrapf(ErrUnknownStep, "%q (valid: %s)", s, joinKinds(CanonicalKinds()))
}

// ParseStepKinds parses a list of names, failing on the first unknown one.
func ParseStepKinds(names []string) ([]StepKind, error) {
	out := make([]StepKind, 0, len(names))
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		k, err := ParseStepKind(n)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// CanonicalOrder validates requested against the canonical set and returns
// it deduplicated and sorted into canonical order. An empty request selects
// every step.
func CanonicalOrder(requested []StepKind) ([]StepKind, error) {
	if len(requested) == 0 {
		return CanonicalKinds(), nil
	}
	want := make(map[StepKind]bool, len(requested))
	for _, k := range requested {
		if _, ok := Descriptor(k); !ok {
			return nil, eris.Wrapf(ErrUnknownStep, "%q", string(k))
		}
		want[k] = true
	}
	out := make([]StepKind, 0, len(want))
	for _, d := range canonicalSteps {
		if want[d.Kind] {
			out = append(out, d.Kind)
		}
	}
	return out, nil
}

func joinKinds(kinds []StepKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}
