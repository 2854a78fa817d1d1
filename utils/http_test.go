package utils

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteOKIsUnwrapped(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteOK(w, map[string]string{"content": "hi"}))

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "hi", body["content"])
}

func TestWriteErrorShape(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteError(w, 402, "budget_exceeded", "daily limit reached", map[string]interface{}{"period": "daily"}))

	assert.Equal(t, 402, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "budget_exceeded", body.Error)
	assert.Equal(t, "daily limit reached", body.Message)
	assert.Equal(t, "daily", body.Details["period"])
}

func TestWriteHelperDefaults(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w *httptest.ResponseRecorder) error
		status int
		label  string
	}{
		{"bad request", func(w *httptest.ResponseRecorder) error { return WriteBadRequest(w, "nope", nil) }, 400, "bad_request"},
		{"unauthorized", func(w *httptest.ResponseRecorder) error { return WriteUnauthorized(w, "") }, 401, "unauthorized"},
		{"forbidden", func(w *httptest.ResponseRecorder) error { return WriteForbidden(w, "") }, 403, "forbidden"},
		{"not found", func(w *httptest.ResponseRecorder) error { return WriteNotFound(w, "") }, 404, "not_found"},
		{"internal", func(w *httptest.ResponseRecorder) error { return WriteInternalServerError(w, "") }, 500, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			require.NoError(t, tt.write(w))
			assert.Equal(t, tt.status, w.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.label, body.Error)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestWriteJSONNilBody(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteJSON(w, 204, nil))
	assert.Equal(t, 204, w.Code)
	assert.Empty(t, w.Body.Bytes())
}
