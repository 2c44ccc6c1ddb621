package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

type payload struct {
	Name   string `json:"name" validate:"required,min=2"`
	Amount string `json:"amount" validate:"required"`
}

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid struct", func(t *testing.T) {
		err := vh.ValidateStruct(&payload{Name: "Lao Wang", Amount: "100"})
		assert.NoError(t, err)
	})

	t.Run("missing fields", func(t *testing.T) {
		err := vh.ValidateStruct(&payload{Name: "L"})
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 2)
	})
}

func TestDecodeJSON(t *testing.T) {
	t.Run("single object", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"name":"A","amount":"5"}`))
		w := httptest.NewRecorder()
		var dst payload
		assert.NoError(t, DecodeJSON(w, r, &dst))
		assert.Equal(t, "A", dst.Name)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"name":"A","bogus":1}`))
		w := httptest.NewRecorder()
		var dst payload
		err := DecodeJSON(w, r, &dst)
		var appErr *AppError
		assert.ErrorAs(t, err, &appErr)
		assert.Equal(t, KindValidation, appErr.Kind)
	})

	t.Run("trailing document rejected", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"name":"A"}{"name":"B"}`))
		w := httptest.NewRecorder()
		var dst payload
		assert.Error(t, DecodeJSON(w, r, &dst))
	})
}

func TestWriteError_StatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{NotFoundf("customer 9 not found"), http.StatusNotFound},
		{InvalidStatef("session already settled"), http.StatusBadRequest},
		{Conflictf("modified concurrently"), http.StatusConflict},
		{Validationf("amount must be positive"), http.StatusUnprocessableEntity},
		{Internalf(errors.New("boom"), "query failed"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		WriteError(w, tt.err)
		assert.Equal(t, tt.status, w.Code)

		var resp ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.Error)
	}
}
