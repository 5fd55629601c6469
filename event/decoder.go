package event

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/chatsync/errors"
)

// envelopeSchema is the structural contract every inbound frame must satisfy
// before it is handed to the pipeline. It deliberately validates only the
// envelope, not per-type payload schemas: unknown event types are allowed as
// long as the envelope shape holds.
const envelopeSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["type", "created_at"],
	"properties": {
		"type":          {"type": "string", "minLength": 1},
		"created_at":    {"type": "string"},
		"connection_id": {"type": "string"},
		"channel_id":    {"type": "string"},
		"user":          {"type": "object"},
		"channel":       {"type": "object"},
		"message":       {"type": "object"},
		"member":        {"type": "object"},
		"reaction":      {"type": "object"},
		"me":            {"type": "object"}
	}
}`

// Decoder turns raw frames into Events, validating the envelope contract
// first. Safe for concurrent use.
type Decoder struct {
	schema *gojsonschema.Schema
}

// NewDecoder compiles the envelope schema. Compilation can only fail on a
// programming error in the schema constant, which is surfaced as fatal.
func NewDecoder() (*Decoder, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	if err != nil {
		return nil, errors.WrapFatal(err, "Decoder", "NewDecoder", "compile envelope schema")
	}
	return &Decoder{schema: schema}, nil
}

// Decode parses and validates a raw frame. All failures are decode-class
// errors: the caller drops the frame and keeps the connection alive.
func (d *Decoder) Decode(data []byte) (*Event, error) {
	result, err := d.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		// Not even valid JSON
		return nil, errors.WrapDecode(errors.ErrMalformedFrame, "Decoder", "Decode", "parse frame")
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return nil, errors.WrapDecode(
			fmt.Errorf("%w: %s", errors.ErrInvalidPayload, strings.Join(details, "; ")),
			"Decoder", "Decode", "validate envelope")
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, errors.WrapDecode(err, "Decoder", "Decode", "unmarshal event")
	}

	return &ev, nil
}
