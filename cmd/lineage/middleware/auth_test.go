package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractActor(t *testing.T) {
	e := echo.New()
	var seen string
	h := ExtractActor()(func(c echo.Context) error {
		seen = GetActor(c)
		return nil
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, "alice")
	require.NoError(t, h(e.NewContext(req, httptest.NewRecorder())))
	assert.Equal(t, "alice", seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, h(e.NewContext(req, httptest.NewRecorder())))
	assert.Empty(t, seen)
}

func TestRequireActor(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)

	_, ok, err := RequireActor(c)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
	c.Set(string(ActorKey), "bob")
	actor, ok, err := RequireActor(c)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "bob", actor)
}
