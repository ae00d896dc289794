package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func missingEnv(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(missingEnv(t))
	require.NoError(t, err)

	assert.Equal(t, "foodmap", cfg.AppName)
	assert.Equal(t, 0.30, cfg.MatchNativeThreshold)
	assert.Equal(t, 0.40, cfg.MatchLatinThreshold)
	assert.Equal(t, 10, cfg.AggMentionCap)
	assert.Equal(t, 20, cfg.SnapshotRetainCount)
	assert.Equal(t, 168*time.Hour, cfg.SnapshotRetainWindow)
	assert.Equal(t, uint64(3), cfg.LookupRetries)
	assert.Contains(t, cfg.MatchRegionCities, "fremont")
	assert.False(t, cfg.KafkaEnabled)
}

func TestLoad_DotEnvAndOverrides(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("STORE_PATH=/tmp/from-dotenv.json\nAGG_MENTION_CAP=5\n"), 0o644))
	// godotenv never overrides variables that are already set
	t.Setenv("AGG_MENTION_CAP", "7")
	t.Setenv("STORE_PATH", "")
	require.NoError(t, os.Unsetenv("STORE_PATH"))

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-dotenv.json", cfg.StorePath)
	assert.Equal(t, 7, cfg.AggMentionCap)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "native threshold above one", key: "MATCH_NATIVE_THRESHOLD", val: "1.5"},
		{name: "latin threshold negative", key: "MATCH_LATIN_THRESHOLD", val: "-0.1"},
		{name: "zero mention cap", key: "AGG_MENTION_CAP", val: "0"},
		{name: "zero sentiment weight", key: "AGG_SENTIMENT_WEIGHT", val: "0"},
		{name: "zero retain count", key: "SNAPSHOT_RETAIN_COUNT", val: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load(missingEnv(t))
			assert.ErrorContains(t, err, tt.key)
		})
	}
}
