// Package resume computes which extraction steps still lack persisted data.
package resume

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"

	"github.com/sells-group/property-research/internal/model"
	"github.com/sells-group/property-research/internal/store"
)

// Differ diffs persisted state against a step order. It holds no state of
// its own, so repeated calls without intervening writes agree.
type Differ struct {
	presence store.PresenceStore
}

// NewDiffer creates a Differ backed by presence.
func NewDiffer(presence store.PresenceStore) *Differ {
	return &Differ{presence: presence}
}

// Missing returns the steps in order whose data is absent for property. A
// nil property means nothing was ever persisted, so every step is missing.
// The result keeps the order of the input, not discovery order.
func (d *Differ) Missing(ctx context.Context, property *model.Property, order []model.StepKind) ([]model.StepKind, error) {
	if property == nil || property.ID == "" {
		return slices.Clone(order), nil
	}

	missing := make([]model.StepKind, 0, len(order))
	for _, kind := range order {
		desc, ok := model.Descriptor(kind)
		if !ok {
			return nil, eris.Wrapf(model.ErrUnknownStep, "resume: %q", string(kind))
		}
		if desc.Stage == model.StageLeader {
			continue
		}
		has, err := d.presence.HasExtraction(ctx, property.ID, kind)
		if err != nil {
			return nil, eris.Wrapf(err, "resume: check %s for property %s", kind, property.ID)
		}
		if !has {
			missing = append(missing, kind)
		}
	}
	return missing, nil
}
