package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmos-tools/queryservice/internal/queryapi"
	"github.com/nmos-tools/queryservice/internal/registryadapter"
	"github.com/nmos-tools/queryservice/internal/resource"
	"github.com/nmos-tools/queryservice/internal/subscription"
	"github.com/nmos-tools/queryservice/internal/wsapi"
)

type fakeAdapter struct {
	byType map[resource.Type][]resource.Doc
}

func (f *fakeAdapter) Snapshot(ctx context.Context, resourceType resource.Type, all bool) ([]resource.Doc, error) {
	if all {
		var out []resource.Doc
		for _, docs := range f.byType {
			out = append(out, docs...)
		}
		return out, nil
	}
	return f.byType[resourceType], nil
}

func (f *fakeAdapter) Events(ctx context.Context) (<-chan registryadapter.ChangeEvent, error) {
	return nil, nil
}
func (f *fakeAdapter) Close() error { return nil }

func setupTestRouter(t *testing.T) (*gin.Engine, *subscription.Registry) {
	gin.SetMode(gin.TestMode)

	adapter := &fakeAdapter{
		byType: map[resource.Type][]resource.Doc{
			resource.TypeDevice: {
				{"id": "dev-1", "label": "camera", "@_apiversion": "v1.3"},
				{"id": "dev-2", "label": "microphone", "@_apiversion": "v1.3"},
			},
		},
	}
	query := queryapi.New(adapter)

	subs := subscription.New(5*time.Second, func(apiVersion, id string) string {
		return "ws://localhost:8870/x-nmos/query/" + apiVersion + "/ws/?uid=" + id
	})

	hub := wsapi.NewHub(subs, func(sub *subscription.Subscription) ([]resource.Doc, resource.Type, error) {
		return nil, "", nil
	})

	handler := NewHandler(query, subs, hub)
	router := NewRouter(handler, Versions)
	return router, subs
}

func doRequest(router *gin.Engine, method, path string, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestIndexPages(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, "GET", "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var root []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &root))
	assert.Equal(t, []string{"x-nmos/"}, root)

	w = doRequest(router, "GET", "/x-nmos/", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, "GET", "/x-nmos/query/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var versions []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &versions))
	assert.Equal(t, []string{"v1.0/", "v1.1/", "v1.2/", "v1.3/"}, versions)
}

func TestVersionRootListsEndpoints(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, "GET", "/x-nmos/query/v1.3/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var endpoints []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &endpoints))
	assert.Contains(t, endpoints, "subscriptions/")
	assert.Contains(t, endpoints, "devices/")
}

func TestListResources(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, "GET", "/x-nmos/query/v1.3/devices/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var docs []resource.Doc
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &docs))
	assert.Len(t, docs, 2)
}

func TestGetResourceNotFound(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, "GET", "/x-nmos/query/v1.3/devices/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetResourceFound(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, "GET", "/x-nmos/query/v1.3/devices/dev-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var doc resource.Doc
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "dev-1", doc.ID())
}

func TestCreateSubscriptionIsIdempotent(t *testing.T) {
	router, subs := setupTestRouter(t)

	body := `{"resource_path":"/devices","persist":true}`
	w := doRequest(router, "POST", "/x-nmos/query/v1.3/subscriptions", body)
	require.Equal(t, http.StatusCreated, w.Code)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))

	w2 := doRequest(router, "POST", "/x-nmos/query/v1.3/subscriptions", body)
	require.Equal(t, http.StatusOK, w2.Code)

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &second))

	assert.Equal(t, first["id"], second["id"])
	assert.Len(t, subs.GetAll(), 1)
}

func TestCreateSubscriptionRejectsUnknownType(t *testing.T) {
	router, _ := setupTestRouter(t)

	body := `{"resource_path":"/bogus"}`
	w := doRequest(router, "POST", "/x-nmos/query/v1.3/subscriptions", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteSubscriptionAlwaysNoContent(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, "DELETE", "/x-nmos/query/v1.3/subscriptions/does-not-exist", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestGetSubscriptionNotFound(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, "GET", "/x-nmos/query/v1.3/subscriptions/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebSocketRouteRequiresUID(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doRequest(router, "GET", "/x-nmos/query/v1.3/ws/", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVersionsExcludeV10WhenHTTPSEnabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	adapter := &fakeAdapter{byType: map[resource.Type][]resource.Doc{}}
	query := queryapi.New(adapter)
	subs := subscription.New(5*time.Second, func(apiVersion, id string) string { return "" })
	hub := wsapi.NewHub(subs, nil)
	handler := NewHandler(query, subs, hub)

	versions := []string{"v1.1", "v1.2", "v1.3"}
	router := NewRouter(handler, versions)

	w := doRequest(router, "GET", "/x-nmos/query/v1.0/", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, "GET", "/x-nmos/query/v1.3/", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
