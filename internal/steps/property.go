package steps

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/property-research/internal/model"
	"github.com/sells-group/property-research/internal/pipeline"
	"github.com/sells-group/property-research/internal/store"
)

// PropertyStep is the leader: it extracts the property record from the
// site and upserts it by source URL.
type PropertyStep struct {
	pages     *PageFetcher
	extractor *Extractor
	store     store.PropertyStore
}

// Kind implements pipeline.Executor.
func (s *PropertyStep) Kind() model.StepKind { return model.StepProperty }

// Execute implements pipeline.Executor.
func (s *PropertyStep) Execute(ctx context.Context, in pipeline.StepInput) (*pipeline.StepOutput, error) {
	pages, err := s.pages.Load(ctx, in)
	if err != nil {
		return nil, eris.Wrap(err, "property: load pages")
	}

	var p model.Property
	if err := s.extractor.Extract(ctx, model.StepProperty, pages, &p); err != nil {
		return nil, eris.Wrap(err, "property")
	}

	p.ID = ""
	p.SourceURL = in.Target.URL
	p.Domain = in.Target.Domain
	p.Name = strings.TrimSpace(p.Name)
	p.State = strings.ToUpper(strings.TrimSpace(p.State))
	if p.Name == "" {
		if home := pages.Homepage(); home != nil {
			p.Name = strings.TrimSpace(home.Title)
		}
	}
	if p.Name == "" {
		return nil, eris.New("property: no name found")
	}

	id, err := s.store.UpsertProperty(ctx, &p)
	if err != nil {
		return nil, eris.Wrap(err, "property: upsert")
	}
	p.ID = id

	return &pipeline.StepOutput{PropertyID: id, Items: 1, Data: &p}, nil
}
