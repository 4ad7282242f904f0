package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JSONDuration is a duration written as a Go duration string ("1.5s") in JSON files
// and environment variables.
type JSONDuration struct {
	t time.Duration
}

func NewJSONDuration(d time.Duration) *JSONDuration {
	return &JSONDuration{t: d}
}

func (d *JSONDuration) UnmarshalJSON(b []byte) error {
	var rawValue any

	err := json.Unmarshal(b, &rawValue)
	if err != nil {
		return fmt.Errorf("unable to unmarshal duration: %w", err)
	}

	switch val := rawValue.(type) {
	case string:
		var err error
		d.t, err = time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("unable to parse as duration: %w", err)
		}
	default:
		return fmt.Errorf("invalid duration: %#v", rawValue)
	}

	return nil
}

func (d JSONDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.t.String()) //nolint:wrapcheck // plain string
}

// Decode implements envconfig.Decoder.
func (d *JSONDuration) Decode(value string) error {
	t, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("unable to parse as duration: %w", err)
	}
	d.t = t

	return nil
}

func (d JSONDuration) String() string {
	return d.t.String()
}

func (d JSONDuration) Duration() time.Duration {
	return d.t
}

// Or returns def when d is not set.
func (d JSONDuration) Or(def time.Duration) time.Duration {
	if d.t <= 0 {
		return def
	}

	return d.t
}
