package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type uploadForm struct {
	Prompt  string `validate:"required,min=3"`
	Quality string `validate:"omitempty,oneof=low medium high"`
	Image   []byte `validate:"required,maxbytes"`
}

func newUploadValidator(t *testing.T) *ValidationHelper {
	vh := NewValidationHelper()
	require.NoError(t, vh.RegisterMaxBytes("maxbytes", 4))
	return vh
}

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := newUploadValidator(t)

	t.Run("valid upload", func(t *testing.T) {
		err := vh.ValidateStruct(&uploadForm{Prompt: "Iced coffee", Quality: "high", Image: []byte("png")})
		assert.NoError(t, err)
	})

	t.Run("every failing field is reported", func(t *testing.T) {
		err := vh.ValidateStruct(&uploadForm{Prompt: "x", Quality: "ultra"})

		var fieldErrs validator.ValidationErrors
		require.True(t, errors.As(err, &fieldErrs))
		assert.Len(t, fieldErrs, 3)
	})

	t.Run("oversized image", func(t *testing.T) {
		err := vh.ValidateStruct(&uploadForm{Prompt: "Iced coffee", Image: []byte("too big")})

		var fieldErrs validator.ValidationErrors
		require.True(t, errors.As(err, &fieldErrs))
		assert.Equal(t, "Image", fieldErrs[0].Field())
		assert.Equal(t, "maxbytes", fieldErrs[0].Tag())
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("plain error has no details", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Something went wrong", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "Something went wrong", response.Error)
		assert.Nil(t, response.Details)
	})

	t.Run("wrapped validation errors are expanded per field", func(t *testing.T) {
		vh := newUploadValidator(t)
		validationErr := vh.ValidateStruct(&uploadForm{Prompt: "x", Image: []byte("png")})
		wrapped := fmt.Errorf("%w: %w", ErrInvalidRequest, validationErr)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, wrapped)

		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Field Validation Failed on 'min' tag", response.Details["Prompt"])
	})

	t.Run("other errors go under details.error", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Ad generation failed", http.StatusInternalServerError, errors.New("image API returned status 500"))

		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "image API returned status 500", response.Details["error"])
	})
}

func TestSendJSON(t *testing.T) {
	w := httptest.NewRecorder()

	SendJSON(w, http.StatusCreated, map[string]int64{"balance": 42})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"balance":42}`, w.Body.String())
}
