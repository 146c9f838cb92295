package handlers

import (
	"context"
	"errors"
	"net/http"

	"kaiacards/internal/kaiacards/ledger"
	"kaiacards/internal/kaiacards/paymentmonitor"
	"kaiacards/pkg/logging"

	"go.uber.org/zap"
)

type PaymentVerificationHandler struct {
	verifier PaymentVerifier
	logger   *logging.ZapLogger
}

type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, orderID, txHash string) error
}

type PaymentVerificationRequest struct {
	OrderID string `json:"order_id"`
	TxHash  string `json:"tx_hash"`
}

type PaymentVerificationResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

func NewPaymentVerificationHandler(
	verifier PaymentVerifier,
	logger *logging.ZapLogger,
) *PaymentVerificationHandler {
	return &PaymentVerificationHandler{
		verifier: verifier,
		logger:   logger,
	}
}

func (h *PaymentVerificationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer closeBody(r.Context(), r.Body, h.logger)

	request, err := decodeJSON[PaymentVerificationRequest](r.Body)
	if err != nil {
		h.logger.DebugCtx(r.Context(), "input decoding error", zap.Error(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if request.OrderID == "" || request.TxHash == "" {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	err = h.verifier.VerifyPayment(r.Context(), request.OrderID, request.TxHash)
	if err != nil {
		switch {
		case errors.Is(err, paymentmonitor.ErrOrderNotMonitored):
			w.WriteHeader(http.StatusNotFound)
		case errors.Is(err, ledger.ErrTransactionNotFound):
			w.WriteHeader(http.StatusNotFound)
		default:
			h.logger.DebugCtx(r.Context(), "payment verification rejected", zap.Error(err))
			w.WriteHeader(http.StatusConflict)
		}
		resp := PaymentVerificationResponse{Accepted: false, Message: err.Error()}
		if writeErr := tryWriteResponseJSON(w, resp); writeErr != nil {
			h.logger.ErrorCtx(r.Context(), "Error writing response", zap.Error(writeErr))
		}
		return
	}

	if err := tryWriteResponseJSON(w, PaymentVerificationResponse{Accepted: true}); err != nil {
		h.logger.ErrorCtx(r.Context(), "Error writing response", zap.Error(err))
	}
}
