package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func perform(t *testing.T, handler gin.HandlerFunc) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/", handler)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestSuccess(t *testing.T) {
	w, body := perform(t, func(c *gin.Context) {
		Success(c, "ok", gin.H{"active_sessions": 3})
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(200), body["code"])
	assert.Equal(t, "ok", body["msg"])
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(3), data["active_sessions"])
}

func TestFail(t *testing.T) {
	w, body := perform(t, func(c *gin.Context) {
		Fail(c, http.StatusServiceUnavailable, "session capacity exceeded")
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, float64(http.StatusServiceUnavailable), body["code"])
	assert.Nil(t, body["data"])
}
