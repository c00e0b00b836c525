package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

func TestWriteEngineError_SizeCapEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/runs/r1/export", nil)

	err := contracts.NewError(contracts.KindLimitExceeded, "archive exceeds cap").
		WithCode("EXPORT_ZIP_TOO_LARGE").
		WithDetails(map[string]any{"max_zip_bytes": 1024})

	WriteEngineError(rec, req, err)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "EXPORT_ZIP_TOO_LARGE", problem.Code)
	assert.EqualValues(t, 1024, problem.Details["max_zip_bytes"])
	assert.Equal(t, "/runs/r1/export", problem.Instance)
}

func TestStatusFor(t *testing.T) {
	cases := map[contracts.ErrorKind]int{
		contracts.KindValidation:             http.StatusBadRequest,
		contracts.KindAuthorization:          http.StatusForbidden,
		contracts.KindNotFound:               http.StatusNotFound,
		contracts.KindConflict:               http.StatusConflict,
		contracts.KindLimitExceeded:          http.StatusRequestEntityTooLarge,
		contracts.KindExternalProviderConfig: http.StatusUnprocessableEntity,
		contracts.KindUpstream:               http.StatusBadGateway,
		contracts.KindTransient:              http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, StatusFor(kind), string(kind))
	}
}

func TestWriteEngineError_PlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteEngineError(rec, nil, assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
