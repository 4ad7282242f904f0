//go:build integration

package tests

import (
	"path/filepath"
	"testing"

	"github.com/Oxygenesis/yb-kafka-sink/tests/steps"
)

// TestPipelineFeatures runs the pipeline against NATS, Cassandra and ClickHouse containers.
func TestPipelineFeatures(t *testing.T) {
	config := TestConfig{
		FeaturePaths: []string{filepath.Join("features", "pipeline")},
		Tags:         "@pipeline",
		Format:       "pretty",
	}

	runSingleSuite(t, "pipeline", steps.NewPipelineTestSuite(), config)
}
