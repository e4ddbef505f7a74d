package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"seerpay/internal/model"
)

func TestDomainErrorStatusMapping(t *testing.T) {
	h := &Handler{log: zap.NewNop()}

	cases := []struct {
		err    error
		status int
	}{
		{model.ErrInsufficientFunds, http.StatusPaymentRequired},
		{model.ErrNotParticipant, http.StatusForbidden},
		{model.ErrAccountNotFound, http.StatusNotFound},
		{model.ErrSessionNotFound, http.StatusNotFound},
		{model.ErrInvalidTransition, http.StatusConflict},
		{errors.Wrap(model.ErrInvalidTransition, "finalize from active"), http.StatusConflict},
		{model.ErrGraceExpired, http.StatusGone},
		{model.ErrInvalidAmount, http.StatusUnprocessableEntity},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.respondDomainError(rec, tc.err, "POST", "/test")
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}
}
