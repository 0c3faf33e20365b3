package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/property-research/internal/model"
)

// ErrNotFound is returned when a record looked up by id does not exist.
var ErrNotFound = eris.New("not found")

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Status model.SessionStatus `json:"status,omitempty"`
	Domain string              `json:"domain,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// SessionStore persists extraction session records.
type SessionStore interface {
	// SaveSession upserts the whole record.
	SaveSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error)
}

// PropertyStore persists the target entity and its extraction rows. Every
// Save* call replaces the property's rows for that extraction type.
type PropertyStore interface {
	// FindPropertyByURL returns nil, nil when no property exists for the URL.
	FindPropertyByURL(ctx context.Context, sourceURL string) (*model.Property, error)
	GetProperty(ctx context.Context, id string) (*model.Property, error)
	// UpsertProperty inserts or updates by source URL and returns the id.
	UpsertProperty(ctx context.Context, p *model.Property) (string, error)

	SaveImages(ctx context.Context, propertyID string, images []model.Image) error
	SaveBranding(ctx context.Context, propertyID string, b model.Branding) error
	SaveAmenities(ctx context.Context, propertyID string, amenities []model.Amenity) error
	SaveFloorPlans(ctx context.Context, propertyID string, plans []model.FloorPlan) error
	SaveOffers(ctx context.Context, propertyID string, offers []model.Offer) error
	SaveReviews(ctx context.Context, propertyID string, summary *model.ReviewSummary, reviews []model.Review) error
	SaveCompetitors(ctx context.Context, propertyID string, competitors []model.Competitor) error
}

// PresenceStore answers the per-step existence predicates used by resume.
type PresenceStore interface {
	HasExtraction(ctx context.Context, propertyID string, kind model.StepKind) (bool, error)
}

// CacheStore holds fetched content keyed by (domain, kind). There is at most
// one entry per key; a put replaces.
type CacheStore interface {
	// GetCache returns nil, nil when no entry exists.
	GetCache(ctx context.Context, domain string, kind model.ContentKind) (*model.CacheEntry, error)
	PutCache(ctx context.Context, domain string, kind model.ContentKind, payload []byte) error
	InvalidateCache(ctx context.Context, domain string, kind model.ContentKind) error
	// CacheAge reports ok=false when no entry exists.
	CacheAge(ctx context.Context, domain string, kind model.ContentKind) (time.Duration, bool, error)
	// PruneCache deletes entries created more than olderThan ago.
	PruneCache(ctx context.Context, olderThan time.Duration) (int, error)
}

// Store is the full persistence interface.
type Store interface {
	SessionStore
	PropertyStore
	PresenceStore
	CacheStore

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// rowSet is a dialect-independent batch of rows that replaces one
// extraction type for a property.
type rowSet struct {
	table   string
	columns []string
	rows    [][]any
}

var (
	imageColumns      = []string{"id", "property_id", "url", "alt", "category", "created_at"}
	brandingColumns   = []string{"property_id", "logo_url", "favicon_url", "primary_color", "secondary_color", "tagline", "created_at"}
	amenityColumns    = []string{"id", "property_id", "name", "category", "created_at"}
	floorPlanColumns  = []string{"id", "property_id", "name", "bedrooms", "bathrooms", "sqft_min", "sqft_max", "rent_min", "rent_max", "created_at"}
	offerColumns      = []string{"id", "property_id", "title", "description", "expires_at", "created_at"}
	summaryColumns    = []string{"property_id", "source", "rating", "review_count", "created_at"}
	reviewColumns     = []string{"id", "property_id", "source", "author", "rating", "body", "created_at"}
	competitorColumns = []string{"id", "property_id", "name", "address", "place_id", "rating", "review_count", "created_at"}
)

// presenceTables maps each non-leader step to the tables whose rows prove
// the step produced data. A row in any listed table counts.
var presenceTables = map[model.StepKind][]string{
	model.StepImages:      {"property_images"},
	model.StepBranding:    {"property_branding"},
	model.StepAmenities:   {"property_amenities"},
	model.StepFloorPlans:  {"property_floor_plans"},
	model.StepOffers:      {"property_offers"},
	model.StepReviews:     {"property_review_summaries", "property_reviews"},
	model.StepCompetitors: {"property_competitors"},
}

func imageRows(propertyID string, images []model.Image, now time.Time) rowSet {
	rs := rowSet{table: "property_images", columns: imageColumns}
	for _, img := range images {
		rs.rows = append(rs.rows, []any{uuid.New().String(), propertyID, img.URL, img.Alt, img.Category, now})
	}
	return rs
}

func brandingRows(propertyID string, b model.Branding, now time.Time) rowSet {
	rs := rowSet{table: "property_branding", columns: brandingColumns}
	if !b.Empty() {
		rs.rows = [][]any{{propertyID, b.LogoURL, b.FaviconURL, b.PrimaryColor, b.SecondaryColor, b.Tagline, now}}
	}
	return rs
}

func amenityRows(propertyID string, amenities []model.Amenity, now time.Time) rowSet {
	rs := rowSet{table: "property_amenities", columns: amenityColumns}
	for _, a := range amenities {
		rs.rows = append(rs.rows, []any{uuid.New().String(), propertyID, a.Name, a.Category, now})
	}
	return rs
}

func floorPlanRows(propertyID string, plans []model.FloorPlan, now time.Time) rowSet {
	rs := rowSet{table: "property_floor_plans", columns: floorPlanColumns}
	for _, fp := range plans {
		rs.rows = append(rs.rows, []any{
			uuid.New().String(), propertyID, fp.Name, fp.Bedrooms, fp.Bathrooms,
			fp.SqftMin, fp.SqftMax, fp.RentMin, fp.RentMax, now,
		})
	}
	return rs
}

func offerRows(propertyID string, offers []model.Offer, now time.Time) rowSet {
	rs := rowSet{table: "property_offers", columns: offerColumns}
	for _, o := range offers {
		rs.rows = append(rs.rows, []any{uuid.New().String(), propertyID, o.Title, o.Description, o.ExpiresAt, now})
	}
	return rs
}

func reviewRows(propertyID string, summary *model.ReviewSummary, reviews []model.Review, now time.Time) []rowSet {
	sum := rowSet{table: "property_review_summaries", columns: summaryColumns}
	if summary != nil {
		sum.rows = [][]any{{propertyID, summary.Source, summary.Rating, summary.ReviewCount, now}}
	}
	rev := rowSet{table: "property_reviews", columns: reviewColumns}
	for _, r := range reviews {
		rev.rows = append(rev.rows, []any{uuid.New().String(), propertyID, r.Source, r.Author, r.Rating, r.Text, now})
	}
	return []rowSet{sum, rev}
}

func competitorRows(propertyID string, competitors []model.Competitor, now time.Time) rowSet {
	rs := rowSet{table: "property_competitors", columns: competitorColumns}
	for _, c := range competitors {
		rs.rows = append(rs.rows, []any{uuid.New().String(), propertyID, c.Name, c.Address, c.PlaceID, c.Rating, c.ReviewCount, now})
	}
	return rs
}

func presenceTablesFor(kind model.StepKind) ([]string, error) {
	tables, ok := presenceTables[kind]
	if !ok {
		return nil, eris.Wrapf(model.ErrUnknownStep, "no presence predicate for %q", string(kind))
	}
	return tables, nil
}
