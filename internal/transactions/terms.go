package transactions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/currency"
)

// termsSchema constrains the shape of known keys while leaving the terms
// object open to caller-defined fields.
const termsSchema = `{
  "type": "object",
  "properties": {
    "deliverables": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "deadline": {"type": "string", "format": "date-time"},
    "paymentTerms": {"type": "string"},
    "acceptanceCriteria": {"type": "array", "items": {"type": "string"}},
    "milestones": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "amount": {"type": "integer", "minimum": 0},
          "dueAt": {"type": "string", "format": "date-time"}
        }
      }
    }
  }
}`

const termsSchemaURL = "https://agentcourt.local/schemas/transaction-terms.json"

func compileTermsSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(termsSchemaURL, strings.NewReader(termsSchema)); err != nil {
		return nil, fmt.Errorf("terms schema load failed: %w", err)
	}
	return c.Compile(termsSchemaURL)
}

// normalizeTerms validates raw against the terms schema. Empty input becomes
// an empty object.
func normalizeTerms(schema *jsonschema.Schema, raw json.RawMessage) (json.RawMessage, error) {
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		return json.RawMessage(`{}`), nil
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, ErrInvalidTerms.WithMessage("terms must be valid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return nil, ErrInvalidTerms.WithMessage("terms rejected: " + err.Error())
	}
	return raw, nil
}

// normalizeCurrency upper-cases code and checks it against ISO 4217.
func normalizeCurrency(code string) (string, error) {
	if code == "" {
		return DefaultCurrency, nil
	}
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return "", ErrInvalidCurrency.WithMessage(fmt.Sprintf("unknown currency %q", code))
	}
	return unit.String(), nil
}
