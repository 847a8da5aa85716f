package validation

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"acct_0123456789abcdef01234567", true},
		{"tenant-42", true},
		{"org:7.user", true},
		{"", false},
		{"_leading", false},
		{"has space", false},
		{"../etc/passwd", false},
		{strings.Repeat("a", 65), false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidID(tc.id), "IsValidID(%q)", tc.id)
	}
}

func TestIsValidParamKey(t *testing.T) {
	assert.True(t, IsValidParamKey("max_chat_count"))
	assert.True(t, IsValidParamKey("notice.days"))
	assert.False(t, IsValidParamKey("Max"))
	assert.False(t, IsValidParamKey("1key"))
	assert.False(t, IsValidParamKey("key-with-dash"))
}

func TestParamMiddlewares(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/accounts/:id", IDParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/params/:key", ParamKeyMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		path string
		code int
	}{
		{"/accounts/acct_a", http.StatusOK},
		{"/accounts/bad%20id", http.StatusBadRequest},
		{"/params/max_chat_count", http.StatusOK},
		{"/params/MAX", http.StatusBadRequest},
	}
	for _, tc := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		assert.Equal(t, tc.code, w.Code, tc.path)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("small")))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString(strings.Repeat("x", 64))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
