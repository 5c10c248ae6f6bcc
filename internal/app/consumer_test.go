package app

import (
	"context"
	"testing"

	"github.com/clementdevtech/cardirectory/internal/domain"
	"github.com/clementdevtech/cardirectory/pkg/pesapal"
)

func TestPaymentStatusConsumer_HandleMessage(t *testing.T) {
	f := newFixture(t)
	f.seedPending("ORD-q", "dealer-q1", "basic", 500, "trk-q")
	consumer := NewPaymentStatusConsumer(f.reconciler, discardLogger())

	if !consumer.HandleMessage([]byte(`not-json`)) {
		t.Fatal("malformed payloads should be dropped, not requeued")
	}
	if !consumer.HandleMessage([]byte(`{"status":"COMPLETED"}`)) {
		t.Fatal("events without references should be dropped")
	}
	if !consumer.HandleMessage([]byte(`{"merchant_reference":"ORD-unknown","status":"COMPLETED"}`)) {
		t.Fatal("unknown references should be acknowledged")
	}
	if !consumer.HandleMessage([]byte(`{"order_tracking_id":"trk-q","status":"COMPLETED"}`)) {
		t.Fatal("expected event to be acknowledged")
	}

	attempt, _ := f.repo.FindPaymentAttempt(context.Background(), "ORD-q")
	if attempt.Status != domain.PaymentSuccess {
		t.Fatalf("expected success via tracking id lookup, got %s", attempt.Status)
	}
}

func TestPaymentStatusConsumer_RequeuesProviderFailures(t *testing.T) {
	f := newFixture(t)
	f.seedPending("ORD-r", "dealer-r1", "basic", 500, "trk-r")
	f.gateway.statusErr = &pesapal.ProviderError{Op: "get_status", StatusCode: 503}
	consumer := NewPaymentStatusConsumer(f.reconciler, discardLogger())

	if consumer.HandleMessage([]byte(`{"merchant_reference":"ORD-r"}`)) {
		t.Fatal("expected provider failure to requeue")
	}
}
