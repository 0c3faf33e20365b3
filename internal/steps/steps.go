// Package steps implements the extraction step executors run by the
// pipeline: the property leader step, the site-content steps and the
// Places-backed steps.
package steps

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/property-research/internal/model"
	"github.com/sells-group/property-research/internal/pipeline"
	"github.com/sells-group/property-research/internal/store"
)

// Deps are the collaborators shared by the executors.
type Deps struct {
	Store     store.PropertyStore
	Pages     *PageFetcher
	Extractor *Extractor
	Places    *PlacesLookup
}

// NewExecutors returns one executor per canonical step.
func NewExecutors(d Deps) []pipeline.Executor {
	return []pipeline.Executor{
		&PropertyStep{pages: d.Pages, extractor: d.Extractor, store: d.Store},
		&ImagesStep{pages: d.Pages, store: d.Store},
		&BrandingStep{pages: d.Pages, store: d.Store},
		&AmenitiesStep{pages: d.Pages, extractor: d.Extractor, store: d.Store},
		&FloorPlansStep{pages: d.Pages, extractor: d.Extractor, store: d.Store},
		&OffersStep{pages: d.Pages, extractor: d.Extractor, store: d.Store},
		&ReviewsStep{places: d.Places, store: d.Store},
		&CompetitorsStep{places: d.Places, store: d.Store},
	}
}

// ErrNoProperty is returned by steps that run without an entity id.
var ErrNoProperty = eris.New("no property id")

func requireProperty(in pipeline.StepInput) error {
	if in.PropertyID == "" {
		return ErrNoProperty
	}
	return nil
}

// propertyFor returns the property record, preferring the leader's output
// from this run over a store read.
func propertyFor(ctx context.Context, st store.PropertyStore, in pipeline.StepInput) (*model.Property, error) {
	if out, ok := in.Prior[model.StepProperty]; ok && out != nil {
		if p, ok := out.Data.(*model.Property); ok && p != nil {
			return p, nil
		}
	}
	p, err := st.GetProperty(ctx, in.PropertyID)
	if err != nil {
		return nil, eris.Wrapf(err, "load property %s", in.PropertyID)
	}
	return p, nil
}
