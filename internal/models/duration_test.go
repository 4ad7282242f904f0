package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONDuration(t *testing.T) {
	var cfg struct {
		Timeout JSONDuration `json:"timeout"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"timeout":"1.5s"}`), &cfg))
	assert.Equal(t, 1500*time.Millisecond, cfg.Timeout.Duration())

	out, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"timeout":"1.5s"}`, string(out))

	require.Error(t, json.Unmarshal([]byte(`{"timeout":15}`), &cfg))
	require.Error(t, json.Unmarshal([]byte(`{"timeout":"soon"}`), &cfg))
}

func TestJSONDurationDecode(t *testing.T) {
	var d JSONDuration
	require.NoError(t, d.Decode("250ms"))
	assert.Equal(t, 250*time.Millisecond, d.Duration())
	require.Error(t, d.Decode("x"))

	var unset JSONDuration
	assert.Equal(t, time.Second, unset.Or(time.Second))
	assert.Equal(t, 250*time.Millisecond, d.Or(time.Second))
}
