// Package protocol defines the JSON frames exchanged with clients over any
// transport.
package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kabili207/iamhere-server/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	TypeAuthenticate = "authenticate"
	TypeArrived      = "i_arrived"
	TypeWhereAreYou  = "where_are_you"

	TypeAuthenticated   = "authenticated"
	TypeError           = "error"
	TypeArrivalUpdate   = "arrival_update"
	TypeLocationRequest = "location_request"
)

// timestampLayout matches JavaScript's Date.prototype.toISOString.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

var ErrMalformed = errors.New("malformed payload")

var (
	//go:embed envelope.schema.json
	envelopeSchemaJSON string
	//go:embed inbound.schema.json
	inboundSchemaJSON string
)

var (
	envelopeSchema = jsonschema.MustCompileString("envelope.schema.json", envelopeSchemaJSON)
	inboundSchema  = jsonschema.MustCompileString("inbound.schema.json", inboundSchemaJSON)
)

// Inbound is any frame a client may send. Which fields are set depends on
// Type.
type Inbound struct {
	Type     string           `json:"type"`
	Token    string           `json:"token,omitempty"`
	Location *models.Location `json:"location,omitempty"`
	To       models.UserID    `json:"to,omitempty"`
}

// MessageType checks only the envelope of a frame and returns its type. The
// fields that go with each type are left to Decode, so callers can gate on
// the type before the body is looked at.
func MessageType(frame []byte) (string, error) {
	doc, err := parse(frame, envelopeSchema)
	if err != nil {
		return "", err
	}
	t, _ := doc.(map[string]any)["type"].(string)
	return t, nil
}

// Decode parses and validates one inbound frame. Unknown message types are
// not an error here; the session decides what to do with them.
func Decode(frame []byte) (*Inbound, error) {
	if _, err := parse(frame, inboundSchema); err != nil {
		return nil, err
	}

	var msg Inbound
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &msg, nil
}

func parse(frame []byte, schema *jsonschema.Schema) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after frame", ErrMalformed)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return doc, nil
}

// Outbound is any frame the server pushes to a client.
type Outbound struct {
	Type      string           `json:"type"`
	Message   string           `json:"message,omitempty"`
	From      models.UserID    `json:"from,omitempty"`
	Location  *models.Location `json:"location,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`
}

func Encode(o Outbound) ([]byte, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", o.Type, err)
	}
	return b, nil
}

func Authenticated() Outbound {
	return Outbound{Type: TypeAuthenticated}
}

func Error(message string) Outbound {
	return Outbound{Type: TypeError, Message: message}
}

func ArrivalUpdate(from models.UserID, loc models.Location, at time.Time) Outbound {
	return Outbound{
		Type:      TypeArrivalUpdate,
		From:      from,
		Location:  &loc,
		Timestamp: at.UTC().Format(timestampLayout),
	}
}

func LocationRequest(from models.UserID, at time.Time) Outbound {
	return Outbound{
		Type:      TypeLocationRequest,
		From:      from,
		Timestamp: at.UTC().Format(timestampLayout),
	}
}
