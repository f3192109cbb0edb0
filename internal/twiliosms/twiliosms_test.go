package twiliosms

import (
	"context"
	"errors"
	"testing"
)

func TestMockClient_SendSMS(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()
	mock.Price = "-0.0079"

	res, err := mock.SendSMS(ctx, "+15551234567", "Hello Test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sid == "" || res.Price != "-0.0079" {
		t.Errorf("unexpected result: %+v", res)
	}

	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].Body != "Hello Test" || sent[0].Sid != res.Sid {
		t.Errorf("unexpected recorded message: %+v", sent[0])
	}
}

func TestMockClient_PrimedFailures(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()
	boom := errors.New("carrier rejected")
	mock.FailTo("+15550000000", boom)
	mock.FailNext(1)

	if _, err := mock.SendSMS(ctx, "+15550000000", "x"); !errors.Is(err, boom) {
		t.Errorf("expected primed recipient error, got %v", err)
	}
	if _, err := mock.SendSMS(ctx, "+15551111111", "x"); !errors.Is(err, ErrMockSendFailed) {
		t.Errorf("expected FailNext error, got %v", err)
	}
	if _, err := mock.SendSMS(ctx, "+15551111111", "x"); err != nil {
		t.Errorf("expected success after FailNext is spent, got %v", err)
	}
	if len(mock.Sent()) != 1 {
		t.Errorf("failed sends must not be recorded, got %d", len(mock.Sent()))
	}
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(WithAccountSID("AC123")); err == nil {
		t.Error("expected error without auth token")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromNumber("+15550001111"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.fromNumber != "+15550001111" {
		t.Errorf("unexpected from number %q", c.fromNumber)
	}
}

func TestClient_SendSMSCancelledContext(t *testing.T) {
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromNumber("+15550001111"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.SendSMS(ctx, "+15551234567", "hi"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
