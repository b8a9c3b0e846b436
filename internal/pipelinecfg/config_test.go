package pipelinecfg

import (
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("KAFKA_BROKER", "kafka-1:9092")
	t.Setenv("EXPECTED_DIGITISERS", "0,2,5")

	cmd := &cobra.Command{}
	FlagSet(cmd)

	cfg, err := Load(cmd, "")
	require.NoError(t, err)
	assert.Equal(t, "kafka-1:9092", cfg.Broker)
	assert.Equal(t, []uint8{0, 2, 5}, cfg.Aggregator.ExpectedDigitisers)
	assert.Equal(t, 500, cfg.Aggregator.FrameTTLMillis)
}

func TestLoad_ExpectedDigitisersFromFlag(t *testing.T) {
	cmd := &cobra.Command{}
	FlagSet(cmd)
	require.NoError(t, cmd.Flags().Set("expected-digitisers", "2,5"))

	cfg, err := Load(cmd, "")
	require.NoError(t, err)
	assert.Equal(t, []uint8{2, 5}, cfg.Aggregator.ExpectedDigitisers)
}

func TestParseDigitiserList(t *testing.T) {
	ids, err := ParseDigitiserList("0, 2,5")
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 2, 5}, ids)

	_, err = ParseDigitiserList("256")
	assert.Error(t, err)
}

func TestLoad_FlagOverridesEverything(t *testing.T) {
	t.Setenv("KAFKA_BROKER", "kafka-env:9092")

	cmd := &cobra.Command{}
	FlagSet(cmd)
	require.NoError(t, cmd.Flags().Set("broker", "kafka-flag:9092"))

	cfg, err := Load(cmd, "")
	require.NoError(t, err)
	assert.Equal(t, "kafka-flag:9092", cfg.Broker)
}

func TestLoad_OverrideFileMergesOverDefault(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/override.yaml"
	require.NoError(t, os.WriteFile(path, []byte("consumerGroup: \"custom-group\"\n"), 0o644))

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, "custom-group", cfg.ConsumerGroup)
	assert.Equal(t, "localhost:9092", cfg.Broker)
}
