package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/screenmirror/internal/logger"
)

func TestHandleError(t *testing.T) {
	handler := NewErrorHandler(logger.NewNullLogger())

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedType   ErrorType
		expectedTitle  string
	}{
		{
			name:           "validation",
			err:            NewValidationError("invalid address"),
			expectedStatus: http.StatusBadRequest,
			expectedType:   ErrorTypeValidation,
			expectedTitle:  "Invalid Request",
		},
		{
			name:           "standard error",
			err:            errors.New("something went wrong"),
			expectedStatus: http.StatusInternalServerError,
			expectedType:   ErrorTypeInternal,
			expectedTitle:  "Error",
		},
		{
			name:           "device error",
			err:            WrapDeviceError(errors.New("no devices/emulators found"), "connect"),
			expectedStatus: http.StatusBadGateway,
			expectedType:   ErrorTypeDevice,
			expectedTitle:  "ADB Error",
		},
		{
			name:           "channel closed",
			err:            NewChannelClosedError("adb"),
			expectedStatus: http.StatusServiceUnavailable,
			expectedType:   ErrorTypeChannelClosed,
			expectedTitle:  "System Error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
			req.Header.Set(logger.RequestIDHeader, "test-123")
			rr := httptest.NewRecorder()

			handler.HandleError(rr, req, tt.err)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			assert.Equal(t, tt.expectedType, resp.Error.Type)
			assert.Equal(t, tt.expectedTitle, resp.Error.Title)
			assert.Equal(t, "test-123", resp.TraceID)
		})
	}
}

func TestMiddlewareRecoversPanic(t *testing.T) {
	handler := NewErrorHandler(logger.NewNullLogger())
	h := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, ErrorTypeCrash, resp.Error.Type)
	assert.Equal(t, "Crash Report", resp.Error.Title)
	assert.Contains(t, resp.Error.Message, "handler exploded")
}

func TestHandleNotFoundAndMethodNotAllowed(t *testing.T) {
	handler := NewErrorHandler(logger.NewNullLogger())

	rr := httptest.NewRecorder()
	handler.HandleNotFound(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	handler.HandleMethodNotAllowed(rr, httptest.NewRequest(http.MethodPut, "/api/v1/devices", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
