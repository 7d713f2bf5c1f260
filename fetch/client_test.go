package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woziwww-lang/kaimono-fullstack/geo"
	"github.com/woziwww-lang/kaimono-fullstack/querystate"
	"github.com/woziwww-lang/kaimono-fullstack/stores"
)

func TestSearchStoresRequestShape(t *testing.T) {
	var gotPath string
	var gotQuery map[string]string
	var gotAPIKey string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-API-Key")
		gotQuery = map[string]string{}
		for key, values := range r.URL.Query() {
			gotQuery[key] = values[0]
		}
		_ = json.NewEncoder(w).Encode(stores.Envelope{Data: []stores.Store{}})
	}))
	defer server.Close()

	client := NewClient(server.URL, WithAPIKey("sekrit"))
	loc := geo.Point{Lat: 35.6812, Lon: 139.7671}
	_, err := client.SearchStores(context.Background(), Query{
		BBox:         geo.BBox{139.0, 35.0, 139.1, 35.1},
		Search:       "牛乳",
		UserLocation: &loc,
		Sort:         querystate.SortPrice,
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/stores", gotPath)
	assert.Equal(t, "sekrit", gotAPIKey)
	assert.Equal(t, "200", gotQuery["limit"])
	assert.Equal(t, "0", gotQuery["offset"])
	assert.Equal(t, "139.000000,35.000000,139.100000,35.100000", gotQuery["bbox"])
	assert.Equal(t, "牛乳", gotQuery["q"])
	assert.Equal(t, "35.6812", gotQuery["user_lat"])
	assert.Equal(t, "139.7671", gotQuery["user_lon"])
	assert.Equal(t, "price", gotQuery["sort"])
	assert.Equal(t, "asc", gotQuery["order"])
}

func TestSearchStoresOmitsUserLocationWhenAbsent(t *testing.T) {
	var query map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		_ = json.NewEncoder(w).Encode(stores.Envelope{})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.SearchStores(context.Background(), Query{
		BBox:   geo.BBox{139.0, 35.0, 139.1, 35.1},
		Search: "milk",
		Sort:   querystate.SortPrice,
	})
	require.NoError(t, err)

	assert.NotContains(t, query, "user_lat")
	assert.NotContains(t, query, "user_lon")
}

func TestSearchStoresDecodesEnvelope(t *testing.T) {
	price := 198.0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(stores.Envelope{
			Data: []stores.Store{
				{ID: 1, Name: "スーパーマーケット 001", Latitude: 35.05, Longitude: 139.05, MinPrice: &price},
			},
			Meta: &stores.Meta{Count: 1, Limit: 200},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	result, err := client.SearchStores(context.Background(), Query{
		BBox:   geo.BBox{139.0, 35.0, 139.1, 35.1},
		Search: "milk",
		Sort:   querystate.SortPrice,
	})
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "スーパーマーケット 001", result[0].Name)
	require.NotNil(t, result[0].MinPrice)
	assert.Equal(t, 198.0, *result[0].MinPrice)
}

func TestSearchStoresEnvelopeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(stores.Envelope{
			Error: &stores.APIError{Code: "UNAUTHORIZED", Message: "invalid API key"},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.SearchStores(context.Background(), Query{
		BBox:   geo.BBox{139.0, 35.0, 139.1, 35.1},
		Search: "milk",
		Sort:   querystate.SortPrice,
	})
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", apiErr.Code)
	assert.Contains(t, err.Error(), "invalid API key")
}

func TestSearchStoresErrorEnvelopeWith200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(stores.Envelope{
			Error: &stores.APIError{Code: "QUERY_FAILED", Message: "search backend down"},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.SearchStores(context.Background(), Query{
		BBox:   geo.BBox{139.0, 35.0, 139.1, 35.1},
		Search: "milk",
		Sort:   querystate.SortPrice,
	})
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "QUERY_FAILED", apiErr.Code)
}

func TestSearchStoresMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.SearchStores(context.Background(), Query{
		BBox:   geo.BBox{139.0, 35.0, 139.1, 35.1},
		Search: "milk",
		Sort:   querystate.SortPrice,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}
