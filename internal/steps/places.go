package steps

import (
	"context"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/property-research/internal/config"
	"github.com/sells-group/property-research/internal/model"
	"github.com/sells-group/property-research/internal/pipeline"
	"github.com/sells-group/property-research/internal/resilience"
	"github.com/sells-group/property-research/internal/store"
	"github.com/sells-group/property-research/pkg/google"
)

const (
	defaultMaxCompetitors = 10
	nearbyRadiusMeters    = 3000
	placesRequestsPerSec  = 5
)

// PlacesResult is the Places payload cached per domain: the property's own
// listing and the apartment listings around it.
type PlacesResult struct {
	Property *google.Place `json:"property,omitempty"`
	Nearby   []google.Place `json:"nearby,omitempty"`
}

// PlacesLookup finds the property and its neighbors on Google Places.
type PlacesLookup struct {
	client         google.Client
	store          store.PropertyStore
	limiter        *rate.Limiter
	retry          resilience.RetryConfig
	maxCompetitors int
}

// NewPlacesLookup creates a PlacesLookup.
func NewPlacesLookup(client google.Client, st store.PropertyStore, cfg config.GoogleConfig, retry resilience.RetryConfig) *PlacesLookup {
	maxComp := cfg.MaxCompetitors
	if maxComp <= 0 {
		maxComp = defaultMaxCompetitors
	}
	return &PlacesLookup{
		client:         client,
		store:          st,
		limiter:        rate.NewLimiter(placesRequestsPerSec, 1),
		retry:          retry,
		maxCompetitors: maxComp,
	}
}

// Load returns the Places payload for the run's property, from cache when
// the run's policy allows it.
func (l *PlacesLookup) Load(ctx context.Context, in pipeline.StepInput) (*model.Property, *PlacesResult, error) {
	if err := requireProperty(in); err != nil {
		return nil, nil, err
	}
	if l.client == nil {
		return nil, nil, eris.New("places: no client configured")
	}
	prop, err := propertyFor(ctx, l.store, in)
	if err != nil {
		return nil, nil, err
	}
	res, err := loadJSON(ctx, in.Content, in.Target.Domain, model.ContentPlaces, func(ctx context.Context) (*PlacesResult, error) {
		return l.fetch(ctx, prop, in.Target)
	})
	if err != nil {
		return nil, nil, err
	}
	return prop, res, nil
}

func (l *PlacesLookup) fetch(ctx context.Context, prop *model.Property, target model.Target) (*PlacesResult, error) {
	query := strings.TrimSpace(prop.Name + " " + prop.FullAddress())
	matches, err := l.search(ctx, "property", google.TextSearchRequest{TextQuery: query, MaxResultCount: 5})
	if err != nil {
		return nil, eris.Wrap(err, "places: search property")
	}

	res := &PlacesResult{Property: bestMatch(matches, target)}

	nearby := google.TextSearchRequest{
		TextQuery:      "apartments",
		MaxResultCount: 20,
	}
	switch {
	case res.Property != nil && res.Property.Location != nil:
		nearby.LocationBias = &google.LocationBias{Circle: google.Circle{
			Center: *res.Property.Location,
			Radius: nearbyRadiusMeters,
		}}
	case prop.FullAddress() != "":
		nearby.TextQuery = "apartments near " + prop.FullAddress()
	default:
		zap.L().Info("places: no location for nearby search", zap.String("domain", target.Domain))
		return res, nil
	}

	res.Nearby, err = l.search(ctx, "nearby", nearby)
	if err != nil {
		return nil, eris.Wrap(err, "places: search nearby")
	}
	return res, nil
}

func (l *PlacesLookup) search(ctx context.Context, op string, req google.TextSearchRequest) ([]google.Place, error) {
	resp, err := resilience.DoVal(ctx, l.retry.WithLogger("google_places", op), func(ctx context.Context) (*google.TextSearchResponse, error) {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return l.client.TextSearch(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return resp.Places, nil
}

// bestMatch prefers the listing whose website is the target's domain.
func bestMatch(places []google.Place, target model.Target) *google.Place {
	if len(places) == 0 {
		return nil
	}
	for i := range places {
		if sameDomain(places[i].WebsiteURI, target.Domain) {
			return &places[i]
		}
	}
	return &places[0]
}

func sameDomain(website, domain string) bool {
	if website == "" {
		return false
	}
	u, err := url.Parse(website)
	if err != nil {
		return false
	}
	return siteHost(u.Hostname()) == domain
}

// ReviewsStep records the property's Places rating and reviews.
type ReviewsStep struct {
	places *PlacesLookup
	store  store.PropertyStore
}

// Kind implements pipeline.Executor.
func (s *ReviewsStep) Kind() model.StepKind { return model.StepReviews }

// Execute implements pipeline.Executor.
func (s *ReviewsStep) Execute(ctx context.Context, in pipeline.StepInput) (*pipeline.StepOutput, error) {
	_, res, err := s.places.Load(ctx, in)
	if err != nil {
		return nil, eris.Wrap(err, "reviews")
	}
	if res.Property == nil {
		return nil, eris.Errorf("reviews: no Places listing for %s", in.Target.Domain)
	}

	place := res.Property
	summary := &model.ReviewSummary{
		Source:      "google",
		Rating:      place.Rating,
		ReviewCount: place.UserRatingCount,
	}
	reviews := make([]model.Review, 0, len(place.Reviews))
	for _, r := range place.Reviews {
		reviews = append(reviews, model.Review{
			Source: "google",
			Author: r.AuthorAttribution.DisplayName,
			Rating: r.Rating,
			Text:   r.Text.Text,
		})
	}

	if err := s.store.SaveReviews(ctx, in.PropertyID, summary, reviews); err != nil {
		return nil, eris.Wrap(err, "reviews: save")
	}
	return &pipeline.StepOutput{Items: len(reviews), Data: summary}, nil
}

// CompetitorsStep records nearby apartment listings other than the
// property itself. Finding none is a valid result.
type CompetitorsStep struct {
	places *PlacesLookup
	store  store.PropertyStore
}

// Kind implements pipeline.Executor.
func (s *CompetitorsStep) Kind() model.StepKind { return model.StepCompetitors }

// Execute implements pipeline.Executor.
func (s *CompetitorsStep) Execute(ctx context.Context, in pipeline.StepInput) (*pipeline.StepOutput, error) {
	prop, res, err := s.places.Load(ctx, in)
	if err != nil {
		return nil, eris.Wrap(err, "competitors")
	}

	comps := competitorsFrom(res, prop, in.Target, s.places.maxCompetitors)
	if err := s.store.SaveCompetitors(ctx, in.PropertyID, comps); err != nil {
		return nil, eris.Wrap(err, "competitors: save")
	}
	return &pipeline.StepOutput{Items: len(comps), Data: comps}, nil
}

func competitorsFrom(res *PlacesResult, prop *model.Property, target model.Target, limit int) []model.Competitor {
	selfID := ""
	if res.Property != nil {
		selfID = res.Property.ID
	}
	selfName := strings.ToLower(strings.TrimSpace(prop.Name))

	comps := make([]model.Competitor, 0, limit)
	seen := make(map[string]bool)
	for _, p := range res.Nearby {
		if len(comps) == limit {
			break
		}
		if p.ID == "" || seen[p.ID] || p.ID == selfID || sameDomain(p.WebsiteURI, target.Domain) {
			continue
		}
		if selfName != "" && strings.EqualFold(strings.TrimSpace(p.DisplayName.Text), selfName) {
			continue
		}
		seen[p.ID] = true
		comps = append(comps, model.Competitor{
			Name:        p.DisplayName.Text,
			Address:     p.FormattedAddress,
			PlaceID:     p.ID,
			Rating:      p.Rating,
			ReviewCount: p.UserRatingCount,
		})
	}
	return comps
}
