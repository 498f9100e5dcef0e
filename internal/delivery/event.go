package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/attribution-goat/attribution-goat/internal/browser"
	"github.com/attribution-goat/attribution-goat/internal/identity"
)

const TypeConversion = "conversion"

const (
	DeviceMobile  = "mobile"
	DeviceDesktop = "desktop"
)

var ErrInvalidAmount = errors.New("invalid conversion amount")

// Event is a conversion as sent to the tracking endpoint.
type Event struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

type EventData struct {
	Amount         float64        `json:"amount"`
	Metadata       map[string]any `json:"metadata"`
	OwnerID        string         `json:"ownerId"`
	UserAttributes UserAttributes `json:"userAttributes"`
	SessionID      *string        `json:"sessionId,omitempty"`
	VisitorID      *string        `json:"visitorId,omitempty"`
}

type UserAttributes struct {
	URLPath     string  `json:"urlPath"`
	Host        string  `json:"host"`
	Device      string  `json:"device"`
	SessionID   *string `json:"sessionId,omitempty"`
	VisitorID   *string `json:"visitorId,omitempty"`
	VariationID *string `json:"variationId,omitempty"`
}

// Identity returns the attribution triple carried by the event.
func (e Event) Identity() identity.Identity {
	return identity.Identity{
		SessionID:   e.Data.UserAttributes.SessionID,
		VisitorID:   e.Data.UserAttributes.VisitorID,
		VariationID: e.Data.UserAttributes.VariationID,
	}
}

func (e Event) ClientEventID() string {
	return metaString(e.Data.Metadata, "clientEventId")
}

func (e Event) Currency() string {
	return metaString(e.Data.Metadata, "currency")
}

func (e Event) URL() string {
	return metaString(e.Data.Metadata, "url")
}

func metaString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// Conversion is the caller input for a tracked conversion.
type Conversion struct {
	// Amount may be any Go number, a json.Number or a numeric string.
	Amount   any
	Currency string
	Meta     map[string]any
	// Unvalued marks a conversion without a monetary value, such as a
	// call-to-action click. Amount is ignored and sent as 0.
	Unvalued bool
}

// Builder stamps events with the account and SDK details.
type Builder struct {
	APIKey     string
	SDKVersion string
}

// Build creates the event for c as seen from env with the resolved id.
func (b Builder) Build(env browser.Environment, id identity.Identity, c Conversion) (Event, error) {
	var amount float64
	if !c.Unvalued {
		var err error
		if amount, err = ParseAmount(c.Amount); err != nil {
			return Event{}, err
		}
	}

	loc := env.Location()
	path := loc.EscapedPath()
	if path == "" {
		path = "/"
	}
	metadata := map[string]any{
		"sdkVersion":    b.SDKVersion,
		"url":           loc.String(),
		"currency":      c.Currency,
		"timestamp":     env.Now().UTC().Format(time.RFC3339Nano),
		"user":          map[string]any{},
		"clientEventId": uuid.NewString(),
	}
	for k, v := range c.Meta {
		metadata[k] = v
	}

	return Event{
		Type: TypeConversion,
		Data: EventData{
			Amount:   amount,
			Metadata: metadata,
			OwnerID:  b.APIKey,
			UserAttributes: UserAttributes{
				URLPath:     path,
				Host:        loc.Host,
				Device:      DetectDevice(env.UserAgent()),
				SessionID:   id.SessionID,
				VisitorID:   id.VisitorID,
				VariationID: id.VariationID,
			},
			SessionID: id.SessionID,
			VisitorID: id.VisitorID,
		},
	}, nil
}

var mobileUA = regexp.MustCompile(`Mobile|Android|iPhone|iPad`)

// DetectDevice is a user-agent substring heuristic.
func DetectDevice(userAgent string) string {
	if mobileUA.MatchString(userAgent) {
		return DeviceMobile
	}
	return DeviceDesktop
}

// ParseAmount coerces a number or numeric string to a finite float64.
func ParseAmount(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, x.String())
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, x)
		}
		f = parsed
	case nil:
		return 0, fmt.Errorf("%w: missing", ErrInvalidAmount)
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidAmount, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, f)
	}
	return f, nil
}
