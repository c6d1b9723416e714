package controllers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/grubhaul-backend/internal/payments"
	pkgAuth "github.com/angelmondragon/grubhaul-backend/pkg/auth"
	"github.com/angelmondragon/grubhaul-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/grubhaul-backend/pkg/errors"
)

type stubPaymentsService struct {
	intent        *payments.CreateIntentInput
	confirmed     *payments.ConfirmPaymentInput
	fullRefund    *payments.RefundInput
	partialRefund *payments.RefundInput
	retried       *payments.RetryPaymentInput
	err           error
}

func (s *stubPaymentsService) CreatePaymentIntent(ctx context.Context, input payments.CreateIntentInput) (*payments.IntentResult, error) {
	s.intent = &input
	if s.err != nil {
		return nil, s.err
	}
	return &payments.IntentResult{ClientSecret: "pi_secret", ProviderIntentID: "pi_1"}, nil
}

func (s *stubPaymentsService) ConfirmPayment(ctx context.Context, input payments.ConfirmPaymentInput) (*payments.PaymentDTO, error) {
	s.confirmed = &input
	return &payments.PaymentDTO{ID: uuid.New()}, s.err
}

func (s *stubPaymentsService) VerifyWebhook(payload []byte, signature string) (*payments.WebhookEvent, error) {
	return nil, pkgerrors.New(pkgerrors.CodeValidation, "not used")
}

func (s *stubPaymentsService) HandleWebhookEvent(ctx context.Context, event *payments.WebhookEvent) error {
	return nil
}

func (s *stubPaymentsService) RetryPayment(ctx context.Context, input payments.RetryPaymentInput) (*payments.IntentResult, error) {
	s.retried = &input
	if s.err != nil {
		return nil, s.err
	}
	return &payments.IntentResult{ProviderIntentID: "pi_2"}, nil
}

func (s *stubPaymentsService) RefundPayment(ctx context.Context, input payments.RefundInput) (*payments.PaymentDTO, error) {
	s.fullRefund = &input
	return &payments.PaymentDTO{ID: input.PaymentID}, s.err
}

func (s *stubPaymentsService) PartialRefundPayment(ctx context.Context, input payments.RefundInput) (*payments.PaymentDTO, error) {
	s.partialRefund = &input
	return &payments.PaymentDTO{ID: input.PaymentID}, s.err
}

func (s *stubPaymentsService) GetPayment(ctx context.Context, actor pkgAuth.Actor, paymentID uuid.UUID) (*payments.PaymentDTO, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &payments.PaymentDTO{ID: paymentID}, nil
}

func (s *stubPaymentsService) ListPaymentsForOrder(ctx context.Context, actor pkgAuth.Actor, orderID uuid.UUID) ([]payments.PaymentDTO, error) {
	return []payments.PaymentDTO{{ID: uuid.New()}}, s.err
}

func (s *stubPaymentsService) ReconcileSettlements(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func TestCreatePaymentIntentForwardsRequestMetadata(t *testing.T) {
	svc := &stubPaymentsService{}
	actor := actorFor(enums.RoleCustomer)
	orderID := uuid.New()

	req := newRequest(http.MethodPost, "/api/v1/payments/intents", map[string]any{"order_id": orderID, "device_info": "ios"}, &actor, nil)
	req.Header.Set("Idempotency-Key", " key-123 ")
	req.Header.Set("User-Agent", "grubhaul-ios/2.1")
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	rec := serve(CreatePaymentIntent(svc, testLogger()), req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.intent.IdempotencyKey != "key-123" {
		t.Fatalf("unexpected idempotency key %q", svc.intent.IdempotencyKey)
	}
	if svc.intent.ClientIP != "203.0.113.9" || svc.intent.UserAgent != "grubhaul-ios/2.1" {
		t.Fatalf("unexpected client metadata %+v", svc.intent)
	}
	if svc.intent.OrderID != orderID || svc.intent.Actor.UserID != actor.UserID {
		t.Fatalf("unexpected input %+v", svc.intent)
	}
}

func TestCreatePaymentIntentMapsStateConflict(t *testing.T) {
	svc := &stubPaymentsService{err: pkgerrors.New(pkgerrors.CodeStateConflict, "order already paid")}
	actor := actorFor(enums.RoleCustomer)

	rec := serve(CreatePaymentIntent(svc, testLogger()), newRequest(http.MethodPost, "/", map[string]any{"order_id": uuid.New()}, &actor, nil))

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if env := decodeError(t, rec); env.Error.Message != "order already paid" {
		t.Fatalf("unexpected message %q", env.Error.Message)
	}
}

func TestRefundPaymentChoosesFullOrPartial(t *testing.T) {
	actor := actorFor(enums.RoleAdmin)
	paymentID := uuid.New()
	params := map[string]string{"paymentId": paymentID.String()}

	svc := &stubPaymentsService{}
	rec := serve(RefundPayment(svc, testLogger()), newRequest(http.MethodPost, "/", nil, &actor, params))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.fullRefund == nil || svc.partialRefund != nil {
		t.Fatal("expected full refund without amount")
	}

	svc = &stubPaymentsService{}
	rec = serve(RefundPayment(svc, testLogger()), newRequest(http.MethodPost, "/", map[string]any{"amount": "4.50"}, &actor, params))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.partialRefund == nil || svc.fullRefund != nil {
		t.Fatal("expected partial refund with amount")
	}
	if !svc.partialRefund.Amount.Equal(decimal.RequireFromString("4.50")) {
		t.Fatalf("unexpected amount %s", svc.partialRefund.Amount)
	}
}

func TestConfirmPaymentValidatesBody(t *testing.T) {
	svc := &stubPaymentsService{}
	actor := actorFor(enums.RoleCustomer)

	rec := serve(ConfirmPayment(svc, testLogger()), newRequest(http.MethodPost, "/", map[string]any{"order_id": uuid.New()}, &actor, nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if svc.confirmed != nil {
		t.Fatal("service should not be called")
	}
}

func TestRetryAndGetPayment(t *testing.T) {
	svc := &stubPaymentsService{}
	actor := actorFor(enums.RoleCustomer)
	paymentID := uuid.New()
	params := map[string]string{"paymentId": paymentID.String()}

	rec := serve(RetryPayment(svc, testLogger()), newRequest(http.MethodPost, "/", nil, &actor, params))
	if rec.Code != http.StatusOK || svc.retried.PaymentID != paymentID {
		t.Fatalf("retry: got %d %+v", rec.Code, svc.retried)
	}

	rec = serve(GetPayment(svc, testLogger()), newRequest(http.MethodGet, "/", nil, &actor, params))
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var payment payments.PaymentDTO
	decodeData(t, rec, &payment)
	if payment.ID != paymentID {
		t.Fatalf("unexpected payment %s", payment.ID)
	}

	svc.err = pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	rec = serve(GetPayment(svc, testLogger()), newRequest(http.MethodGet, "/", nil, &actor, params))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListOrderPayments(t *testing.T) {
	actor := actorFor(enums.RoleCustomer)
	rec := serve(ListOrderPayments(&stubPaymentsService{}, testLogger()), newRequest(http.MethodGet, "/", nil, &actor, map[string]string{"orderId": uuid.NewString()}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Items []payments.PaymentDTO `json:"items"`
	}
	decodeData(t, rec, &body)
	if len(body.Items) != 1 {
		t.Fatalf("expected 1 payment, got %d", len(body.Items))
	}
}
