package subscriptions

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHandlerTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	r := gin.New()
	NewHandler(f.r).RegisterAdminRoutes(r.Group("/v1"))
	return r, f
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

func TestHandler_SubscriptionLifecycle(t *testing.T) {
	router, f := setupHandlerTestRouter(t)
	s, err := f.r.OnSubscriptionCreated(context.Background(),
		f.payment("acct_a", "txn_h1", testNow, testNow.Add(60*time.Hour)))
	require.NoError(t, err)

	w := doJSON(router, http.MethodGet, "/v1/subscriptions/"+s.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(router, http.MethodGet, "/v1/subscriptions/"+s.ID+"/expiry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var expiry struct {
		DaysLeft int `json:"daysLeft"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &expiry))
	assert.Equal(t, 3, expiry.DaysLeft)

	w = doJSON(router, http.MethodGet, "/v1/accounts/acct_a/entitlement", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"entitled":true`)

	w = doJSON(router, http.MethodPost, "/v1/subscriptions/"+s.ID+"/status", StatusRequest{Status: StatusCancelled})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(router, http.MethodPost, "/v1/subscriptions/"+s.ID+"/status", StatusRequest{Status: StatusRefunded})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(router, http.MethodPost, "/v1/accounts/acct_a/entitlement/recompute", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"premium":false`)
}

func TestHandler_ValidateTransaction(t *testing.T) {
	router, f := setupHandlerTestRouter(t)
	_, err := f.r.OnSubscriptionCreated(context.Background(),
		f.payment("acct_a", "txn_known", testNow, testNow.AddDate(0, 1, 0)))
	require.NoError(t, err)

	w := doJSON(router, http.MethodGet, "/v1/transactions/txn_known", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"recorded":true`)

	w = doJSON(router, http.MethodGet, "/v1/transactions/txn_unknown", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"recorded":false}`, w.Body.String())
}

func TestHandler_Errors(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	w := doJSON(router, http.MethodGet, "/v1/subscriptions/sub_missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodPost, "/v1/subscriptions/sub_missing/status", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/accounts/acct_missing/entitlement", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/subscriptions?cursor=bad!", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListSubscriptions(t *testing.T) {
	router, f := setupHandlerTestRouter(t)
	ctx := context.Background()
	for _, txn := range []string{"l1", "l2"} {
		_, err := f.r.OnSubscriptionCreated(ctx, f.payment("acct_b", txn, testNow, testNow.AddDate(0, 1, 0)))
		require.NoError(t, err)
	}

	w := doJSON(router, http.MethodGet, "/v1/subscriptions?accountId=acct_b&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count   int    `json:"count"`
		HasMore bool   `json:"hasMore"`
		Next    string `json:"nextCursor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.True(t, resp.HasMore)
	assert.NotEmpty(t, resp.Next)
}
