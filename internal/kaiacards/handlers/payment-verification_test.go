package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"kaiacards/internal/kaiacards/paymentmonitor"
	"kaiacards/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

type fakeVerifier struct {
	err error
}

func (v *fakeVerifier) VerifyPayment(_ context.Context, _, _ string) error {
	return v.err
}

func TestPaymentVerificationHandler(t *testing.T) {
	logger, err := logging.NewZapLogger(zapcore.ErrorLevel)
	require.NoError(t, err)

	tests := []struct {
		name         string
		body         string
		verifyErr    error
		expectedCode int
	}{
		{
			name:         "accepted",
			body:         `{"order_id":"order-1","tx_hash":"0xtx"}`,
			verifyErr:    nil,
			expectedCode: http.StatusOK,
		},
		{
			name:         "malformed body",
			body:         `{"order_id":`,
			verifyErr:    nil,
			expectedCode: http.StatusBadRequest,
		},
		{
			name:         "missing fields",
			body:         `{"order_id":"order-1"}`,
			verifyErr:    nil,
			expectedCode: http.StatusUnprocessableEntity,
		},
		{
			name:         "unknown order",
			body:         `{"order_id":"order-9","tx_hash":"0xtx"}`,
			verifyErr:    paymentmonitor.ErrOrderNotMonitored,
			expectedCode: http.StatusNotFound,
		},
		{
			name:         "mismatched transaction",
			body:         `{"order_id":"order-1","tx_hash":"0xother"}`,
			verifyErr:    assert.AnError,
			expectedCode: http.StatusConflict,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			handler := NewPaymentVerificationHandler(&fakeVerifier{err: test.verifyErr}, logger)

			request := httptest.NewRequest(
				http.MethodPost,
				"/api/payments/verify",
				strings.NewReader(test.body),
			)
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, request)

			assert.Equal(t, test.expectedCode, recorder.Code)
		})
	}
}
