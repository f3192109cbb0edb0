package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/twiliosms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		region  string
		want    string
		wantErr bool
	}{
		{"already E.164", "+15551234567", "US", "+15551234567", false},
		{"national with punctuation", "(555) 123-4567", "US", "+15551234567", false},
		{"default region fallback", "555 123 4567", "", "+15551234567", false},
		{"sms prefix", "sms:+447911123456", "US", "+447911123456", false},
		{"other region", "07911 123456", "GB", "+447911123456", false},
		{"empty", "   ", "US", "", true},
		{"letters", "not a number", "US", "", true},
		{"too short", "+1555", "US", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeNumber(tt.raw, tt.region)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidRecipient)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCost(t *testing.T) {
	assert.Nil(t, ParseCost(""))
	assert.Nil(t, ParseCost("n/a"))
	c := ParseCost("-0.00790")
	require.NotNil(t, c)
	assert.InDelta(t, 0.0079, *c, 1e-9)
	c = ParseCost("0.0125")
	require.NotNil(t, c)
	assert.InDelta(t, 0.0125, *c, 1e-9)
}

func TestGateway_Send(t *testing.T) {
	mock := twiliosms.NewMockClient()
	mock.Price = "-0.0079"
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewGateway(mock, WithDefaultRegion("us"), WithClock(func() time.Time { return fixed }))

	receipt, err := g.Send(context.Background(), "(555) 123-4567", "hello")
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", receipt.To)
	assert.NotEmpty(t, receipt.ProviderMessageID)
	assert.Equal(t, fixed, receipt.SentAt)
	require.NotNil(t, receipt.Cost)
	assert.InDelta(t, 0.0079, *receipt.Cost, 1e-9)

	sent := mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "+15551234567", sent[0].To)
}

func TestGateway_SendErrors(t *testing.T) {
	mock := twiliosms.NewMockClient()
	g := NewGateway(mock)

	_, err := g.Send(context.Background(), "+15551234567", "  ")
	assert.ErrorIs(t, err, ErrEmptyBody)

	_, err = g.Send(context.Background(), "garbage", "hi")
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	boom := errors.New("carrier rejected")
	mock.FailTo("+15551234567", boom)
	_, err = g.Send(context.Background(), "+15551234567", "hi")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, mock.Sent())
}

func TestGateway_SendPacing(t *testing.T) {
	mock := twiliosms.NewMockClient()
	g := NewGateway(mock, WithSendRate(20))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := g.Send(context.Background(), "+15551234567", "hi")
		require.NoError(t, err)
	}
	// burst of one: the second and third sends each wait ~50ms
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Len(t, mock.Sent(), 3)
}

func TestGateway_SendPacingHonoursContext(t *testing.T) {
	mock := twiliosms.NewMockClient()
	g := NewGateway(mock, WithSendRate(0.001))
	_, err := g.Send(context.Background(), "+15551234567", "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Send(ctx, "+15551234567", "second")
	require.Error(t, err)
	assert.Len(t, mock.Sent(), 1)
}
