package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/marketplace-checkout/internal/observability"
	"github.com/ariefcatur/marketplace-checkout/internal/orders"
	"github.com/ariefcatur/marketplace-checkout/internal/payment"
)

const maxWebhookBody = 1 << 20

type Reconciler interface {
	Reconcile(ctx context.Context, orderID, reference string) (orders.ReconciliationResult, error)
	ReconcileReference(ctx context.Context, reference string) (orders.ReconciliationResult, error)
}

// Dedup claims a webhook delivery so duplicates are acknowledged without
// being processed again.
type Dedup interface {
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

type PaymentsHandler struct {
	Reconciler    Reconciler
	WebhookSecret string
	Dedup         Dedup // optional
}

type reconcileResp struct {
	OrderID       string `json:"order_id"`
	Reference     string `json:"reference"`
	Outcome       string `json:"outcome"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	Replayed      bool   `json:"replayed"`
}

func toReconcileResp(res orders.ReconciliationResult) reconcileResp {
	return reconcileResp{
		OrderID:       res.OrderID,
		Reference:     res.Reference,
		Outcome:       string(res.Outcome),
		Status:        string(res.Status),
		PaymentStatus: string(res.PaymentStatus),
		Replayed:      res.Replayed,
	}
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Get("/payments/confirm", h.confirm)
	r.Post("/webhooks/payments", h.webhook)
}

// confirm is where the gateway redirects the buyer's browser. It races with
// the webhook; both end in the same idempotent reconciliation.
func (h *PaymentsHandler) confirm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orderID := strings.TrimSpace(q.Get("orderId"))
	reference := strings.TrimSpace(q.Get("reference"))
	if reference == "" {
		reference = strings.TrimSpace(q.Get("trxref"))
	}
	if orderID == "" || reference == "" {
		WriteError(r.Context(), w, NewError("validation_error", "orderId and reference are required", http.StatusBadRequest))
		return
	}

	res, err := h.Reconciler.Reconcile(r.Context(), orderID, reference)
	if err != nil {
		// A timed-out verification leaves the order untouched; tell the
		// buyer it is still being confirmed instead of failing the page.
		if errors.Is(err, payment.ErrPaymentUnavailable) && res.OrderID != "" {
			writeJSON(w, http.StatusAccepted, toReconcileResp(res))
			return
		}
		respondError(w, r, err)
		return
	}
	code := http.StatusOK
	if res.Outcome == orders.OutcomePending {
		code = http.StatusAccepted
	}
	writeJSON(w, code, toReconcileResp(res))
}

func (h *PaymentsHandler) webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observability.FromContext(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		WriteError(ctx, w, NewError("invalid_body", "request body could not be read", http.StatusBadRequest))
		return
	}
	if !payment.VerifySignature(h.WebhookSecret, body, r.Header.Get(payment.SignatureHeader)) {
		log.Warn("webhook signature rejected", zap.String("remote_addr", r.RemoteAddr))
		WriteError(ctx, w, NewError("invalid_signature", "signature verification failed", http.StatusUnauthorized))
		return
	}
	ev, err := payment.ParseWebhook(body)
	if err != nil {
		WriteError(ctx, w, NewError("invalid_payload", "webhook payload is malformed", http.StatusBadRequest))
		return
	}
	log = log.With(zap.String("reference", ev.Data.Reference), zap.String("event", ev.Event))

	key := ev.Data.Reference + ":" + ev.Event
	if h.Dedup != nil {
		claimed, err := h.Dedup.Claim(ctx, key)
		if err != nil {
			// Without the dedup store the reconciler's own idempotency still
			// holds, so keep going.
			log.Warn("webhook dedup unavailable", zap.Error(err))
		} else if !claimed {
			writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
	}

	var res orders.ReconciliationResult
	if orderID := ev.OrderID(); orderID != "" {
		res, err = h.Reconciler.Reconcile(ctx, orderID, ev.Data.Reference)
	} else {
		res, err = h.Reconciler.ReconcileReference(ctx, ev.Data.Reference)
	}
	if err != nil && redeliverable(err) {
		if h.Dedup != nil {
			if rerr := h.Dedup.Release(context.WithoutCancel(ctx), key); rerr != nil {
				log.Warn("webhook dedup release failed", zap.Error(rerr))
			}
		}
		log.Warn("webhook processing failed, asking for redelivery", zap.Error(err))
		e := mapError(err)
		if e.Status < http.StatusInternalServerError {
			e.Status = http.StatusServiceUnavailable
		}
		WriteError(ctx, w, e)
		return
	}
	if err != nil {
		// Rejections are final for this reference; acknowledging stops the
		// gateway from retrying a delivery that can never succeed.
		log.Warn("webhook rejected", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "error": mapError(err).Code})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "processed", "result": toReconcileResp(res)})
}

func redeliverable(err error) bool {
	switch {
	case errors.Is(err, orders.ErrInvalidReference),
		errors.Is(err, orders.ErrAmountMismatch),
		errors.Is(err, orders.ErrInvalidState):
		return false
	}
	return true
}
