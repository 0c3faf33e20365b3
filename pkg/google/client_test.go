package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextSearch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/places:searchText", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Goog-Api-Key"))
		assert.Contains(t, r.Header.Get("X-Goog-FieldMask"), "places.rating")
		assert.Contains(t, r.Header.Get("X-Goog-FieldMask"), "places.reviews")

		var body TextSearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Oak Ridge Apartments 100 Oak St, Austin, TX", body.TextQuery)
		assert.Equal(t, 1, body.MaxResultCount)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"places":[{
			"id": "ChIJ-oak",
			"displayName": {"text": "Oak Ridge Apartments"},
			"formattedAddress": "100 Oak St, Austin, TX 78701",
			"location": {"latitude": 30.27, "longitude": -97.74},
			"rating": 4.5,
			"userRatingCount": 127,
			"types": ["apartment_complex"],
			"reviews": [{"rating": 5, "text": {"text": "Great staff"}, "authorAttribution": {"displayName": "Jo"}}]
		}]}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := client.TextSearch(context.Background(), TextSearchRequest{
		TextQuery:      "Oak Ridge Apartments 100 Oak St, Austin, TX",
		MaxResultCount: 1,
	})

	require.NoError(t, err)
	require.Len(t, resp.Places, 1)
	p := resp.Places[0]
	assert.Equal(t, "ChIJ-oak", p.ID)
	assert.Equal(t, "Oak Ridge Apartments", p.DisplayName.Text)
	assert.InDelta(t, 4.5, p.Rating, 0.001)
	assert.Equal(t, 127, p.UserRatingCount)
	require.NotNil(t, p.Location)
	assert.InDelta(t, 30.27, p.Location.Latitude, 0.001)
	require.Len(t, p.Reviews, 1)
	assert.Equal(t, "Great staff", p.Reviews[0].Text.Text)
	assert.Equal(t, "Jo", p.Reviews[0].AuthorAttribution.DisplayName)
}

func TestTextSearch_LocationBias(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body TextSearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotNil(t, body.LocationBias)
		assert.InDelta(t, 5000, body.LocationBias.Circle.Radius, 0.001)
		assert.Equal(t, "apartment_complex", body.IncludedType)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := client.TextSearch(context.Background(), TextSearchRequest{
		TextQuery:    "apartments near 100 Oak St",
		IncludedType: "apartment_complex",
		LocationBias: &LocationBias{Circle: Circle{Center: LatLng{Latitude: 30.27, Longitude: -97.74}, Radius: 5000}},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Places)
}

func TestTextSearch_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error": "invalid API key"}`))
	}))
	defer srv.Close()

	client := NewClient("bad-key", WithBaseURL(srv.URL))
	resp, err := client.TextSearch(context.Background(), TextSearchRequest{TextQuery: "test query"})

	require.Error(t, err)
	assert.Nil(t, resp)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.HTTPStatus())
	assert.Contains(t, err.Error(), "403")
}

func TestTextSearch_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"places": [`))
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).TextSearch(context.Background(), TextSearchRequest{TextQuery: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
}

func TestTextSearch_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := client.TextSearch(ctx, TextSearchRequest{TextQuery: "test"})

	assert.Error(t, err)
	assert.Nil(t, resp)
}
