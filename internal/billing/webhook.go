package billing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuongbtq/listing-pipeline/internal/domain"
	"github.com/xeipuuv/gojsonschema"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body
const SignatureHeader = "X-Signature"

// webhookSchema describes the vendor notification fields this package consumes.
// Everything else in the document is kept opaque.
const webhookSchema = `{
  "type": "object",
  "required": ["meta", "data"],
  "properties": {
    "meta": {
      "type": "object",
      "required": ["event_id"],
      "properties": {
        "event_id": {"type": "string", "minLength": 1},
        "event_name": {"type": "string"}
      }
    },
    "data": {
      "type": "object",
      "required": ["attributes"],
      "properties": {
        "attributes": {
          "type": "object",
          "properties": {
            "variant_id": {"type": ["string", "integer", "null"]},
            "user_email": {"type": ["string", "null"]},
            "email": {"type": ["string", "null"]}
          }
        }
      }
    }
  }
}`

var webhookSchemaLoader = gojsonschema.NewStringLoader(webhookSchema)

// VerifySignature checks signature (hex) against the HMAC-SHA256 of body under secret
func VerifySignature(secret, body []byte, signature string) error {
	if len(secret) == 0 {
		return fmt.Errorf("%w: signing secret not configured", domain.ErrInvalidSignature)
	}

	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: missing signature", domain.ErrInvalidSignature)
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", domain.ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return domain.ErrInvalidSignature
	}

	return nil
}

// Sign returns the hex signature of body; used by tests and local tooling
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type vendorNotification struct {
	Meta struct {
		EventID   string `json:"event_id"`
		EventName string `json:"event_name"`
	} `json:"meta"`
	Type string `json:"type"`
	Data struct {
		Attributes struct {
			VariantID json.RawMessage `json:"variant_id"`
			UserEmail string          `json:"user_email"`
			Email     string          `json:"email"`
		} `json:"attributes"`
	} `json:"data"`
}

// DecodeEvent validates a verified vendor notification and normalises it
func DecodeEvent(raw []byte) (domain.PaymentEvent, error) {
	result, err := gojsonschema.Validate(webhookSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return domain.PaymentEvent{}, domain.NewValidationError("body", fmt.Sprintf("malformed JSON: %v", err))
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
		}
		return domain.PaymentEvent{}, domain.NewValidationError("body", strings.Join(problems, "; "))
	}

	var n vendorNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return domain.PaymentEvent{}, domain.NewValidationError("body", fmt.Sprintf("malformed JSON: %v", err))
	}

	eventName := n.Meta.EventName
	if eventName == "" {
		eventName = n.Type
	}

	email := n.Data.Attributes.UserEmail
	if email == "" {
		email = n.Data.Attributes.Email
	}

	return domain.PaymentEvent{
		EventID:    n.Meta.EventID,
		EventName:  eventName,
		VariantID:  rawScalar(n.Data.Attributes.VariantID),
		PayerEmail: email,
		Raw:        json.RawMessage(bytes.Clone(raw)),
	}, nil
}

// rawScalar renders a JSON string or number as plain text
func rawScalar(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
