package rest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadJSON(t *testing.T) {
	var dst struct {
		Capacity int `json:"capacity"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"capacity": 4}`))
	require.NoError(t, ReadJSON(r, &dst))
	assert.Equal(t, 4, dst.Capacity)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"unknown": 1}`))
	assert.Error(t, ReadJSON(r, &dst))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	assert.EqualError(t, ReadJSON(r, &dst), "body must not be empty")

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{} {}`))
	assert.Error(t, ReadJSON(r, &dst))
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteJSON(w, http.StatusCreated, Envelope{"data": "ok"}))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":"ok"}`, w.Body.String())
}
