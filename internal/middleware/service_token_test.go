package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var secret = []byte("test-secret")

func newRouter(secret []byte) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ServiceTokenAuth(secret, zap.NewNop()))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"service": c.GetString(ServiceKey), "user_id": c.GetString(UserIDKey)})
	})
	return r
}

func call(r *gin.Engine, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestServiceTokenAuth_Accepts(t *testing.T) {
	token, err := IssueServiceToken(secret, "crm", "user-1", time.Hour)
	require.NoError(t, err)

	w := call(newRouter(secret), "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"service":"crm","user_id":"user-1"}`, w.Body.String())
}

func TestServiceTokenAuth_Rejects(t *testing.T) {
	expired, err := IssueServiceToken(secret, "crm", "", -time.Minute)
	require.NoError(t, err)
	forged, err := IssueServiceToken([]byte("other"), "crm", "", time.Hour)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, ServiceClaims{}).SignedString(secret)
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":    "",
		"not bearer": "Basic abc",
		"garbage":    "Bearer not-a-jwt",
		"expired":    "Bearer " + expired,
		"wrong key":  "Bearer " + forged,
		"no subject": "Bearer " + noSubject,
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, call(newRouter(secret), header).Code)
		})
	}
}

func TestServiceTokenAuth_DisabledWithoutSecret(t *testing.T) {
	token, err := IssueServiceToken(secret, "crm", "", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, call(newRouter(nil), "Bearer "+token).Code)
}
