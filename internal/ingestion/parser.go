package ingestion

import (
	"SlotLock/internal/event"
	"SlotLock/internal/state"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrMalformedCommand marks a message that will never parse, however often
// it is redelivered.
var ErrMalformedCommand = errors.New("malformed command")

// IdentityVerifier resolves a bearer token to the caller it was issued to.
type IdentityVerifier interface {
	Verify(token string) (state.Identity, error)
}

var validate = validator.New()

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type reserveJSON struct {
	RequestID string  `json:"request_id" validate:"required,max=128"`
	Token     string  `json:"token" validate:"required"`
	AssetID   *uint64 `json:"asset_id" validate:"required"`
	Day       string  `json:"day" validate:"required,datetime=2006-01-02"`
	Contact   string  `json:"contact"`
}

type fulfillJSON struct {
	RequestID string `json:"request_id" validate:"required,max=128"`
	Token     string `json:"token" validate:"required"`
	Owner     string `json:"owner" validate:"required,max=256"`
}

// ParseCommand converts a raw message into an engine command. The caller
// is taken from the verified token, never from the payload.
func ParseCommand(raw RawCommand, tokens IdentityVerifier) (event.Command, error) {
	switch raw.Kind {
	case KindReserve:
		return parseReserve(raw.Data, tokens)
	case KindFulfill:
		return parseFulfill(raw.Data, tokens)
	default:
		return nil, fmt.Errorf("%w: unknown command kind %q", ErrMalformedCommand, raw.Kind)
	}
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return nil
}

func caller(tokens IdentityVerifier, token string) (state.Identity, error) {
	id, err := tokens.Verify(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return id, nil
}

func parseReserve(data []byte, tokens IdentityVerifier) (*event.MakeReservation, error) {
	var j reserveJSON
	if err := decode(data, &j); err != nil {
		return nil, fmt.Errorf("parse reserve: %w", err)
	}
	day, err := state.ParseDay(j.Day)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	id, err := caller(tokens, j.Token)
	if err != nil {
		return nil, err
	}

	return &event.MakeReservation{
		RequestID: j.RequestID,
		AssetID:   *j.AssetID,
		Day:       day,
		Contact:   j.Contact,
		Caller:    id,
	}, nil
}

func parseFulfill(data []byte, tokens IdentityVerifier) (*event.FulfillReservation, error) {
	var j fulfillJSON
	if err := decode(data, &j); err != nil {
		return nil, fmt.Errorf("parse fulfill: %w", err)
	}
	id, err := caller(tokens, j.Token)
	if err != nil {
		return nil, err
	}

	return &event.FulfillReservation{
		RequestID: j.RequestID,
		Owner:     state.Identity(j.Owner),
		Caller:    id,
	}, nil
}
