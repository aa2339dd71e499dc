package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgeattend/internal/auth"
)

const (
	key    = "test-signing-key"
	issuer = "edgeattend"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tok, err := auth.Issue("alice", auth.RoleOperator, "gate-1", issuer, key, time.Hour, time.Now())
	require.NoError(t, err)

	claims, err := auth.Parse(tok.Value, key, issuer)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, auth.RoleOperator, claims.Role)
	assert.Equal(t, "gate-1", claims.DeviceID)

	_, err = auth.Parse(tok.Value, "wrong-key", issuer)
	require.Error(t, err)
	_, err = auth.Parse(tok.Value, key, "someone-else")
	require.Error(t, err)

	expired, err := auth.Issue("alice", auth.RoleOperator, "", issuer, key, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = auth.Parse(expired.Value, key, issuer)
	require.Error(t, err)

	_, err = auth.Issue("alice", auth.RoleOperator, "", issuer, "", time.Hour, time.Now())
	require.Error(t, err)
}

func TestRequire(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/ops", auth.Require(key, issuer, "gate-1", auth.RoleOperator), func(c *gin.Context) {
		claims, ok := auth.ClaimsFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.Subject)
	})

	issue := func(role, device string) string {
		tok, err := auth.Issue("alice", role, device, issuer, key, time.Hour, time.Now())
		require.NoError(t, err)
		return "Bearer " + tok.Value
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "Missing", header: "", want: http.StatusUnauthorized},
		{name: "Garbage", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "Operator", header: issue(auth.RoleOperator, ""), want: http.StatusOK},
		{name: "PinnedToThisDevice", header: issue(auth.RoleOperator, "gate-1"), want: http.StatusOK},
		{name: "PinnedToOtherDevice", header: issue(auth.RoleOperator, "gate-2"), want: http.StatusForbidden},
		{name: "WrongRole", header: issue(auth.RoleScanner, ""), want: http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ops", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, tt.want, rec.Code, tt.name)
	}
}
