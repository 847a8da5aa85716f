package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandlerTestRouter() (*gin.Engine, *Service) {
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService()
	r := gin.New()
	NewHandler(svc).RegisterAdminRoutes(r.Group("/v1"))
	return r, svc
}

func doJSON(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_RegisterAndGet(t *testing.T) {
	router, _ := setupHandlerTestRouter()

	w := doJSON(router, http.MethodPost, "/v1/accounts", RegisterRequest{Username: "alice"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Account Account `json:"account"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(router, http.MethodGet, "/v1/accounts/"+created.Account.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_Register_MissingUsername(t *testing.T) {
	router, _ := setupHandlerTestRouter()
	w := doJSON(router, http.MethodPost, "/v1/accounts", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_GetAccount_404(t *testing.T) {
	router, _ := setupHandlerTestRouter()
	w := doJSON(router, http.MethodGet, "/v1/accounts/acct_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp["error"])
}

func TestHandler_ChangeStatusAndListDisabled(t *testing.T) {
	router, svc := setupHandlerTestRouter()
	a, err := svc.Register(context.Background(), "bob", false)
	require.NoError(t, err)

	w := doJSON(router, http.MethodPost, "/v1/accounts/"+a.ID+"/status", StatusRequest{Status: AccessDisabled})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(router, http.MethodGet, "/v1/accounts/disabled?reason=usage_limit_exceeded", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var usage struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &usage))
	assert.Equal(t, 0, usage.Count, "manual disables are not usage disables")

	w = doJSON(router, http.MethodGet, "/v1/accounts/disabled?reason=any", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Equal(t, 1, all.Count)
}

func TestHandler_ChangeStatus_Invalid(t *testing.T) {
	router, svc := setupHandlerTestRouter()
	a, err := svc.Register(context.Background(), "eve", false)
	require.NoError(t, err)

	w := doJSON(router, http.MethodPost, "/v1/accounts/"+a.ID+"/status", StatusRequest{Status: "frozen"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListDisabled_BadCursor(t *testing.T) {
	router, _ := setupHandlerTestRouter()
	w := doJSON(router, http.MethodGet, "/v1/accounts/disabled?cursor=%25%25", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
