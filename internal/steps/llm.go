package steps

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/property-research/internal/model"
	"github.com/sells-group/property-research/internal/pipeline"
	"github.com/sells-group/property-research/internal/store"
)

// AmenitiesStep extracts community and in-unit amenities.
type AmenitiesStep struct {
	pages     *PageFetcher
	extractor *Extractor
	store     store.PropertyStore
}

// Kind implements pipeline.Executor.
func (s *AmenitiesStep) Kind() model.StepKind { return model.StepAmenities }

// Execute implements pipeline.Executor.
func (s *AmenitiesStep) Execute(ctx context.Context, in pipeline.StepInput) (*pipeline.StepOutput, error) {
	var resp struct {
		Amenities []model.Amenity `json:"amenities"`
	}
	if err := extractFor(ctx, s.pages, s.extractor, in, model.StepAmenities, &resp); err != nil {
		return nil, err
	}

	amenities := normalizeAmenities(resp.Amenities)
	if err := s.store.SaveAmenities(ctx, in.PropertyID, amenities); err != nil {
		return nil, eris.Wrap(err, "amenities: save")
	}
	return &pipeline.StepOutput{Items: len(amenities), Data: amenities}, nil
}

// normalizeAmenities title-cases names and drops case-insensitive duplicates.
func normalizeAmenities(in []model.Amenity) []model.Amenity {
	title := cases.Title(language.English)
	lower := cases.Lower(language.English)

	seen := make(map[string]bool, len(in))
	out := make([]model.Amenity, 0, len(in))
	for _, a := range in {
		name := strings.Join(strings.Fields(a.Name), " ")
		if name == "" {
			continue
		}
		key := lower.String(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, model.Amenity{
			Name:     title.String(name),
			Category: lower.String(strings.TrimSpace(a.Category)),
		})
	}
	return out
}

// FloorPlansStep extracts unit layouts with size and rent ranges.
type FloorPlansStep struct {
	pages     *PageFetcher
	extractor *Extractor
	store     store.PropertyStore
}

// Kind implements pipeline.Executor.
func (s *FloorPlansStep) Kind() model.StepKind { return model.StepFloorPlans }

// Execute implements pipeline.Executor.
func (s *FloorPlansStep) Execute(ctx context.Context, in pipeline.StepInput) (*pipeline.StepOutput, error) {
	var resp struct {
		FloorPlans []model.FloorPlan `json:"floor_plans"`
	}
	if err := extractFor(ctx, s.pages, s.extractor, in, model.StepFloorPlans, &resp); err != nil {
		return nil, err
	}

	plans := make([]model.FloorPlan, 0, len(resp.FloorPlans))
	for _, fp := range resp.FloorPlans {
		fp.Name = strings.TrimSpace(fp.Name)
		if fp.Name == "" {
			continue
		}
		fp.SqftMin, fp.SqftMax = orderedInts(fp.SqftMin, fp.SqftMax)
		fp.RentMin, fp.RentMax = orderedFloats(fp.RentMin, fp.RentMax)
		plans = append(plans, fp)
	}

	if err := s.store.SaveFloorPlans(ctx, in.PropertyID, plans); err != nil {
		return nil, eris.Wrap(err, "floor_plans: save")
	}
	return &pipeline.StepOutput{Items: len(plans), Data: plans}, nil
}

// OffersStep extracts current leasing specials.
type OffersStep struct {
	pages     *PageFetcher
	extractor *Extractor
	store     store.PropertyStore
}

// Kind implements pipeline.Executor.
func (s *OffersStep) Kind() model.StepKind { return model.StepOffers }

// Execute implements pipeline.Executor.
func (s *OffersStep) Execute(ctx context.Context, in pipeline.StepInput) (*pipeline.StepOutput, error) {
	var resp struct {
		Offers []model.Offer `json:"offers"`
	}
	if err := extractFor(ctx, s.pages, s.extractor, in, model.StepOffers, &resp); err != nil {
		return nil, err
	}

	offers := make([]model.Offer, 0, len(resp.Offers))
	for _, o := range resp.Offers {
		o.Title = strings.TrimSpace(o.Title)
		if o.Title != "" {
			offers = append(offers, o)
		}
	}

	if err := s.store.SaveOffers(ctx, in.PropertyID, offers); err != nil {
		return nil, eris.Wrap(err, "offers: save")
	}
	return &pipeline.StepOutput{Items: len(offers), Data: offers}, nil
}

func extractFor(ctx context.Context, pages *PageFetcher, ex *Extractor, in pipeline.StepInput, kind model.StepKind, out any) error {
	if err := requireProperty(in); err != nil {
		return eris.Wrapf(err, "%s", kind)
	}
	set, err := pages.Load(ctx, in)
	if err != nil {
		return eris.Wrapf(err, "%s: load pages", kind)
	}
	if err := ex.Extract(ctx, kind, set, out); err != nil {
		return eris.Wrapf(err, "%s", kind)
	}
	return nil
}

func orderedInts(a, b int) (int, int) {
	switch {
	case a == 0:
		return b, b
	case b == 0:
		return a, a
	case a > b:
		return b, a
	}
	return a, b
}

func orderedFloats(a, b float64) (float64, float64) {
	switch {
	case a == 0:
		return b, b
	case b == 0:
		return a, a
	case a > b:
		return b, a
	}
	return a, b
}
