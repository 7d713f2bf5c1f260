package storeapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woziwww-lang/kaimono-fullstack/stores"
)

func floatPtr(v float64) *float64 { return &v }

func testCatalog() []stores.Store {
	return []stores.Store{
		{ID: 1, Name: "まいばすけっと 大手町店", Address: "千代田区1-1", Latitude: 35.684, Longitude: 139.766, MinPrice: floatPtr(198)},
		{ID: 2, Name: "業務スーパー 神田店", Address: "千代田区2-2", Latitude: 35.691, Longitude: 139.770, MinPrice: floatPtr(128)},
		{ID: 3, Name: "成城石井 丸の内店", Address: "千代田区3-3", Latitude: 35.681, Longitude: 139.764},
		{ID: 4, Name: "業務スーパー 品川店", Address: "港区4-4", Latitude: 35.628, Longitude: 139.738, MinPrice: floatPtr(158)},
	}
}

func newTestRouter(opts ...Option) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewServer(testCatalog(), opts...).Register(router)
	return router
}

func doRequest(t *testing.T, router *gin.Engine, path string, header map[string]string) (int, stores.Envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var envelope stores.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return rec.Code, envelope
}

func TestListStoresRequiresAPIKey(t *testing.T) {
	router := newTestRouter(WithAPIKey("sekrit"))

	code, envelope := doRequest(t, router, "/api/stores", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "UNAUTHORIZED", envelope.Error.Code)

	code, envelope = doRequest(t, router, "/api/stores", map[string]string{"X-API-Key": "sekrit"})
	assert.Equal(t, http.StatusOK, code)
	assert.Nil(t, envelope.Error)
}

func TestListStoresBBoxFilter(t *testing.T) {
	router := newTestRouter()

	// Chiyoda only; the Shinagawa store sits south of the box.
	code, envelope := doRequest(t, router, "/api/stores?bbox=139.760000,35.675000,139.775000,35.695000", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, envelope.Data, 3)
	for _, store := range envelope.Data {
		assert.NotEqual(t, int64(4), store.ID)
	}
}

func TestListStoresSubstringMatch(t *testing.T) {
	router := newTestRouter()

	code, envelope := doRequest(t, router, "/api/stores?q="+url.QueryEscape("業務スーパー"), nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, envelope.Data, 2)
	for _, store := range envelope.Data {
		assert.Contains(t, store.Name, "業務スーパー")
	}
}

func TestListStoresSortByPriceAsc(t *testing.T) {
	router := newTestRouter()

	code, envelope := doRequest(t, router, "/api/stores?sort=price&order=asc", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, envelope.Data, 4)
	assert.Equal(t, int64(2), envelope.Data[0].ID)
	assert.Equal(t, int64(4), envelope.Data[1].ID)
	assert.Equal(t, int64(1), envelope.Data[2].ID)
	// No price sorts last.
	assert.Equal(t, int64(3), envelope.Data[3].ID)
}

func TestListStoresSortByDistance(t *testing.T) {
	router := newTestRouter()

	// Reference point at the Marunouchi store.
	code, envelope := doRequest(t, router, "/api/stores?sort=distance&order=asc&user_lat=35.681&user_lon=139.764", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, envelope.Data, 4)
	assert.Equal(t, int64(3), envelope.Data[0].ID)
	require.NotNil(t, envelope.Data[0].Distance)
	assert.InDelta(t, 0, *envelope.Data[0].Distance, 1)
	assert.Equal(t, int64(4), envelope.Data[3].ID)
}

func TestListStoresDistanceSortWithoutLocationFallsBack(t *testing.T) {
	router := newTestRouter()

	code, envelope := doRequest(t, router, "/api/stores?sort=distance&order=asc", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, envelope.Data, 4)
	// Name order, and no distance annotations.
	assert.Nil(t, envelope.Data[0].Distance)
}

func TestListStoresPagination(t *testing.T) {
	router := newTestRouter()

	code, envelope := doRequest(t, router, "/api/stores?limit=2&offset=1&sort=price&order=asc", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, envelope.Data, 2)
	require.NotNil(t, envelope.Meta)
	assert.Equal(t, 4, envelope.Meta.Count)
	assert.Equal(t, 2, envelope.Meta.Limit)
	assert.Equal(t, 1, envelope.Meta.Offset)
	assert.Equal(t, int64(4), envelope.Data[0].ID)
}

func TestListStoresInvalidParams(t *testing.T) {
	router := newTestRouter()

	for _, path := range []string{
		"/api/stores?bbox=oops",
		"/api/stores?limit=zero",
		"/api/stores?offset=-1",
		"/api/stores?order=sideways",
		"/api/stores?user_lat=35.6&user_lon=oops",
	} {
		code, envelope := doRequest(t, router, path, nil)
		assert.Equal(t, http.StatusBadRequest, code, path)
		require.NotNil(t, envelope.Error, path)
		assert.Equal(t, "INVALID_PARAMS", envelope.Error.Code, path)
	}
}
