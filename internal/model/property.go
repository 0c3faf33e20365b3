package model

import (
	"strings"
	"time"
)

// Property is the target entity built by the leader step.
type Property struct {
	ID           string    `json:"id"`
	SourceURL    string    `json:"source_url"`
	Domain       string    `json:"domain"`
	Name         string    `json:"name"`
	Address      string    `json:"address,omitempty"`
	City         string    `json:"city,omitempty"`
	State        string    `json:"state,omitempty"`
	PostalCode   string    `json:"postal_code,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	Email        string    `json:"email,omitempty"`
	Description  string    `json:"description,omitempty"`
	PropertyType string    `json:"property_type,omitempty"`
	UnitCount    int       `json:"unit_count,omitempty"`
	YearBuilt    int       `json:"year_built,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FullAddress joins the address components that are present.
func (p *Property) FullAddress() string {
	var parts []string
	for _, part := range []string{p.Address, p.City, strings.TrimSpace(p.State + " " + p.PostalCode)} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, ", ")
}

// Image is a photo discovered on the property site.
type Image struct {
	URL      string `json:"url"`
	Alt      string `json:"alt,omitempty"`
	Category string `json:"category,omitempty"`
}

// Branding holds the visual identity of the property site.
type Branding struct {
	LogoURL        string `json:"logo_url,omitempty"`
	FaviconURL     string `json:"favicon_url,omitempty"`
	PrimaryColor   string `json:"primary_color,omitempty"`
	SecondaryColor string `json:"secondary_color,omitempty"`
	Tagline        string `json:"tagline,omitempty"`
}

// Empty reports whether nothing was extracted.
func (b Branding) Empty() bool {
	return b == Branding{}
}

// Amenity is a feature offered by the property or its units.
type Amenity struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

// FloorPlan describes one unit layout.
type FloorPlan struct {
	Name      string  `json:"name"`
	Bedrooms  float64 `json:"bedrooms"`
	Bathrooms float64 `json:"bathrooms"`
	SqftMin   int     `json:"sqft_min,omitempty"`
	SqftMax   int     `json:"sqft_max,omitempty"`
	RentMin   float64 `json:"rent_min,omitempty"`
	RentMax   float64 `json:"rent_max,omitempty"`
}

// Offer is a leasing special or promotion.
type Offer struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

// ReviewSummary is the aggregate rating from one review source.
type ReviewSummary struct {
	Source      string  `json:"source"`
	Rating      float64 `json:"rating"`
	ReviewCount int     `json:"review_count"`
}

// Review is a single resident review.
type Review struct {
	Source string  `json:"source"`
	Author string  `json:"author,omitempty"`
	Rating float64 `json:"rating"`
	Text   string  `json:"text,omitempty"`
}

// Competitor is a nearby property competing for the same renters.
type Competitor struct {
	Name        string  `json:"name"`
	Address     string  `json:"address,omitempty"`
	PlaceID     string  `json:"place_id,omitempty"`
	Rating      float64 `json:"rating,omitempty"`
	ReviewCount int     `json:"review_count,omitempty"`
}
