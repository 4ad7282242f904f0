package models

import (
	"encoding/json"
	"fmt"
	"os"
)

// ConfigLoader reads a JSON configuration file into C.
type ConfigLoader[C any] struct {
	filePath string
}

func NewConfigLoader[C any](filePath string) (zero *ConfigLoader[C], _ error) {
	if len(filePath) == 0 {
		return zero, fmt.Errorf("config file path is empty")
	}
	return &ConfigLoader[C]{
		filePath: filePath,
	}, nil
}

func (cl *ConfigLoader[C]) Load() (zero C, _ error) {
	var config C
	jsFile, err := os.ReadFile(cl.filePath)
	if err != nil {
		return zero, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(jsFile, &config); err != nil {
		return zero, fmt.Errorf("failed to unmarshal config file: %w", err)
	}
	return config, nil
}
