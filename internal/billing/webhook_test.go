package billing

import (
	"testing"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	secret := []byte("whsec")
	body := []byte(`{"meta":{"event_id":"evt-1"}}`)
	valid := Sign(secret, body)

	tests := []struct {
		name      string
		secret    []byte
		body      []byte
		signature string
		wantErr   bool
	}{
		{name: "valid", secret: secret, body: body, signature: valid},
		{name: "valid with whitespace", secret: secret, body: body, signature: " " + valid + "\n"},
		{name: "tampered body", secret: secret, body: []byte(`{"meta":{"event_id":"evt-2"}}`), signature: valid, wantErr: true},
		{name: "wrong secret", secret: []byte("other"), body: body, signature: valid, wantErr: true},
		{name: "missing signature", secret: secret, body: body, signature: "", wantErr: true},
		{name: "not hex", secret: secret, body: body, signature: "zz-not-hex", wantErr: true},
		{name: "no secret configured", secret: nil, body: body, signature: valid, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(tt.secret, tt.body, tt.signature)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidSignature)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDecodeEvent(t *testing.T) {
	raw := []byte(`{
		"meta": {"event_id": "evt-1", "event_name": "order_created"},
		"data": {"attributes": {"variant_id": 1001, "user_email": "buyer@example.com", "total": 900}}
	}`)

	event, err := DecodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", event.EventID)
	assert.Equal(t, "order_created", event.EventName)
	assert.Equal(t, "1001", event.VariantID)
	assert.Equal(t, "buyer@example.com", event.PayerEmail)
	assert.JSONEq(t, string(raw), string(event.Raw))
}

func TestDecodeEventFallbacks(t *testing.T) {
	raw := []byte(`{
		"type": "subscription_payment_success",
		"meta": {"event_id": "evt-2"},
		"data": {"attributes": {"variant_id": "abc", "email": "payer@example.com"}}
	}`)

	event, err := DecodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "subscription_payment_success", event.EventName)
	assert.Equal(t, "abc", event.VariantID)
	assert.Equal(t, "payer@example.com", event.PayerEmail)
}

func TestDecodeEventRejectsMalformed(t *testing.T) {
	tests := map[string]string{
		"not json":         `{"meta":`,
		"missing event id": `{"meta":{},"data":{"attributes":{}}}`,
		"empty event id":   `{"meta":{"event_id":""},"data":{"attributes":{}}}`,
		"missing data":     `{"meta":{"event_id":"evt-1"}}`,
		"bad variant type": `{"meta":{"event_id":"evt-1"},"data":{"attributes":{"variant_id":[1]}}}`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(body))
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}
