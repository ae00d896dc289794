package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName            string `env:"APP_NAME" env-default:"foodmap"`
	LogLevel           string `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs         bool   `env:"PRETTY_LOGS" env-default:"false"`
	StartupMaxAttempts int    `env:"STARTUP_MAX_ATTEMPTS" env-default:"3"`

	// Canonical store and its side files
	StorePath            string        `env:"STORE_PATH" env-default:"data/restaurant_database.json"`
	SnapshotDir          string        `env:"SNAPSHOT_DIR" env-default:"data/backups/transactions"`
	SnapshotRetainCount  int           `env:"SNAPSHOT_RETAIN_COUNT" env-default:"20"`
	SnapshotRetainWindow time.Duration `env:"SNAPSHOT_RETAIN_WINDOW" env-default:"168h"`
	AuditLogPath         string        `env:"AUDIT_LOG_PATH" env-default:"data/backups/transactions/audit.jsonl"`
	CheckpointPath       string        `env:"CHECKPOINT_PATH" env-default:"data/checkpoint.json"`
	IndexPath            string        `env:"INDEX_PATH" env-default:"data/restaurant_database_index.json"`
	CorrectionsPath      string        `env:"CORRECTIONS_PATH" env-default:"data/corrections.json"`
	QualityRulesPath     string        `env:"QUALITY_RULES_PATH" env-default:""`

	// Identity matching
	MatchNativeThreshold float64  `env:"MATCH_NATIVE_THRESHOLD" env-default:"0.30"`
	MatchLatinThreshold  float64  `env:"MATCH_LATIN_THRESHOLD" env-default:"0.40"`
	MatchFuzzyEnabled    bool     `env:"MATCH_FUZZY_ENABLED" env-default:"true"`
	MatchRegionCities    []string `env:"MATCH_REGION_CITIES" env-default:"cupertino,milpitas,fremont,mountain view,sunnyvale,san jose,palo alto,santa clara,san mateo,foster city,redwood city,menlo park,union city,newark,hayward,san francisco,daly city,san leandro,pleasanton,livermore,dublin,walnut creek,berkeley,oakland,san ramon,millbrae,san bruno,campbell,burlingame,south san francisco,albany,pleasant hill,san carlos,belmont"`

	// Metric aggregation
	AggMentionCap       int     `env:"AGG_MENTION_CAP" env-default:"10"`
	AggSentimentWeight  float64 `env:"AGG_SENTIMENT_WEIGHT" env-default:"0.1"`
	AggDiscountExponent float64 `env:"AGG_DISCOUNT_EXPONENT" env-default:"0.5"`
	AggTimeseriesMonths int     `env:"AGG_TIMESERIES_MONTHS" env-default:"24"`

	// Lookup collaborator
	LookupFixturePath string        `env:"LOOKUP_FIXTURE_PATH" env-default:""`
	LookupTimeout     time.Duration `env:"LOOKUP_TIMEOUT" env-default:"10s"`
	LookupRetries     uint64        `env:"LOOKUP_RETRIES" env-default:"3"`
	LookupDelay       time.Duration `env:"LOOKUP_DELAY" env-default:"300ms"`
	LookupCacheTTL    time.Duration `env:"LOOKUP_CACHE_TTL" env-default:"24h"`
	LookupRedisAddr   string        `env:"LOOKUP_REDIS_ADDR" env-default:""`
	LookupRedisDB     int           `env:"LOOKUP_REDIS_DB" env-default:"0"`

	// Kafka producer (entity change events)
	KafkaEnabled      bool          `env:"KAFKA_ENABLED" env-default:"false"`
	KafkaBrokers      []string      `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaTopic        string        `env:"KAFKA_TOPIC" env-default:"foodmap.entities"`
	KafkaBatchSize    int           `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout time.Duration `env:"KAFKA_BATCH_TIMEOUT" env-default:"1s"`
	KafkaRequiredAcks int           `env:"KAFKA_REQUIRED_ACKS" env-default:"-1"`

	// Tracing
	TracingEnabled bool   `env:"TRACING_ENABLED" env-default:"false"`
	OTLPEndpoint   string `env:"OTLP_ENDPOINT" env-default:"localhost:4318"`
	OTLPInsecure   bool   `env:"OTLP_INSECURE" env-default:"true"`

	// Metrics
	MetricsTextfilePath string `env:"METRICS_TEXTFILE_PATH" env-default:""`
}

// Load reads an optional .env file and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.MatchNativeThreshold < 0 || c.MatchNativeThreshold > 1 {
		return fmt.Errorf("MATCH_NATIVE_THRESHOLD must be within [0,1], got %v", c.MatchNativeThreshold)
	}
	if c.MatchLatinThreshold < 0 || c.MatchLatinThreshold > 1 {
		return fmt.Errorf("MATCH_LATIN_THRESHOLD must be within [0,1], got %v", c.MatchLatinThreshold)
	}
	if c.AggMentionCap < 1 {
		return fmt.Errorf("AGG_MENTION_CAP must be positive, got %d", c.AggMentionCap)
	}
	if c.AggSentimentWeight <= 0 || c.AggSentimentWeight > 1 {
		return fmt.Errorf("AGG_SENTIMENT_WEIGHT must be within (0,1], got %v", c.AggSentimentWeight)
	}
	if c.SnapshotRetainCount < 1 {
		return fmt.Errorf("SNAPSHOT_RETAIN_COUNT must be positive, got %d", c.SnapshotRetainCount)
	}
	return nil
}
