package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

type echoHandler struct {
	path string
}

func (h *echoHandler) Register(e *echo.Echo) {
	e.GET(h.path, func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

func TestNewServerRegistersHandlers(t *testing.T) {
	srv := NewServer(nil, ":0", []Handler{
		&echoHandler{path: "/one"},
		nil,
		&echoHandler{path: "/two"},
	})

	for _, path := range []string{"/one", "/two"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "ok", rec.Body.String())
	}
}

func TestNewServerUnknownRoute(t *testing.T) {
	srv := NewServer(nil, "", nil)

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
