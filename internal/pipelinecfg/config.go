// Package pipelinecfg loads the layered configuration shared by
// cmd/aggregator, cmd/runengine and cmd/searcher: an embedded YAML
// default, an optional override file, environment variables, and CLI
// flags, in increasing order of precedence.
//
// The YAML-as-Go-template rendering (`env`/`default` funcs) is grounded
// on humus.ConfigSource; the layered-source precedence and flag binding
// is done with spf13/viper + spf13/cobra, since the teacher's own
// bedrockcfg.MultiSource has no flag-binding equivalent.
package pipelinecfg

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//go:embed default_config.yaml
var defaultConfig []byte

// Topics names the Kafka topics each stage consumes or produces; a stage
// leaves the ones it doesn't use blank.
type Topics struct {
	In      string `mapstructure:"in"`
	Out     string `mapstructure:"out"`
	Control string `mapstructure:"control"`
	Log     string `mapstructure:"log"`
	Alarm   string `mapstructure:"alarm"`
}

// Aggregator holds cmd/aggregator-specific settings.
type Aggregator struct {
	// ExpectedDigitisers is the set of digitiser ids every frame must
	// collect a contribution from before it is complete (invariant P2).
	// Unmarshalled from a CSV-of-u8 string, e.g. "0,1,2,5".
	ExpectedDigitisers []uint8 `mapstructure:"expectedDigitisers"`
	FrameTTLMillis     int     `mapstructure:"frameTTLMillis"`
}

// ParseDigitiserList parses a CSV of u8 digitiser ids, e.g. "0,1,2,5". An
// empty string yields an empty, non-nil slice.
func ParseDigitiserList(csv string) ([]uint8, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return []uint8{}, nil
	}
	parts := strings.Split(csv, ",")
	ids := make([]uint8, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("pipelinecfg: parse digitiser id %q: %w", p, err)
		}
		ids = append(ids, uint8(v))
	}
	return ids, nil
}

// stringToDigitiserListHook lets viper unmarshal the expectedDigitisers
// config value — a CSV string from YAML, env, or the --expected-digitisers
// flag alike — directly into Aggregator.ExpectedDigitisers.
func stringToDigitiserListHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf([]uint8(nil)) {
		return data, nil
	}
	return ParseDigitiserList(data.(string))
}

// RunEngine holds cmd/runengine-specific settings.
type RunEngine struct {
	LocalPath                   string `mapstructure:"localPath"`
	ArchivePath                 string `mapstructure:"archivePath"`
	CollectUntilGraceMillis     int    `mapstructure:"collectUntilGraceMillis"`
	ArchiveSweepIntervalSeconds int    `mapstructure:"archiveSweepIntervalSeconds"`
}

// Searcher holds cmd/searcher-specific settings.
type Searcher struct {
	Backstep           int `mapstructure:"backstep"`
	ForwardDistance    int `mapstructure:"forwardDistance"`
	MaxTimestamps      int `mapstructure:"maxTimestamps"`
	SessionIdleMinutes int `mapstructure:"sessionIdleMinutes"`
}

// Observability holds the metrics/tracing endpoint settings common to all
// three binaries.
type Observability struct {
	Address       string `mapstructure:"address"`
	OTelEndpoint  string `mapstructure:"otelEndpoint"`
	OTelNamespace string `mapstructure:"otelNamespace"`
}

// Config is the full, unmarshalled configuration tree. Each cmd/* binary
// only reads the sub-struct relevant to it.
type Config struct {
	Broker        string        `mapstructure:"broker"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	ConsumerGroup string        `mapstructure:"consumerGroup"`
	Topics        Topics        `mapstructure:"topics"`
	Aggregator    Aggregator    `mapstructure:"aggregator"`
	RunEngine     RunEngine     `mapstructure:"runengine"`
	Searcher      Searcher      `mapstructure:"searcher"`
	Observability Observability `mapstructure:"observability"`
	JWTSecret     string        `mapstructure:"jwtSecret"`
	GitVersion    string        `mapstructure:"gitVersion"`
}

// FrameTTL converts Aggregator.FrameTTLMillis to a time.Duration.
func (c Config) FrameTTL() time.Duration {
	return time.Duration(c.Aggregator.FrameTTLMillis) * time.Millisecond
}

// CollectUntilGrace converts RunEngine.CollectUntilGraceMillis to a
// time.Duration.
func (c Config) CollectUntilGrace() time.Duration {
	return time.Duration(c.RunEngine.CollectUntilGraceMillis) * time.Millisecond
}

// ArchiveSweepInterval converts RunEngine.ArchiveSweepIntervalSeconds to a
// time.Duration.
func (c Config) ArchiveSweepInterval() time.Duration {
	return time.Duration(c.RunEngine.ArchiveSweepIntervalSeconds) * time.Second
}

// renderTemplate renders r as a Go text template supporting the same two
// functions humus.ConfigSource supports: env (environment lookup,
// nil if unset) and default (substitute when the piped value is nil).
func renderTemplate(r io.Reader) ([]byte, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("pipelinecfg: read template: %w", err)
	}

	tmpl, err := template.New("config").Funcs(template.FuncMap{
		"env": func(key string) any {
			if v, ok := os.LookupEnv(key); ok {
				return v
			}
			return nil
		},
		"default": func(def, v any) any {
			if v == nil {
				return def
			}
			return v
		},
	}).Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("pipelinecfg: parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("pipelinecfg: render template: %w", err)
	}
	return buf.Bytes(), nil
}

// FlagSet registers every CLI flag spec.md §6 names onto cmd's flag set,
// one set shared by all three binaries (each ignores the flags it has no
// use for). Flags take precedence over the file/env layers once bound
// with viper.BindPFlags.
func FlagSet(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("broker", "", "Kafka bootstrap broker address")
	f.String("username", "", "Kafka SASL username")
	f.String("password", "", "Kafka SASL password")
	f.String("consumer-group", "", "Kafka consumer group id")
	f.String("in-topic", "", "input topic name")
	f.String("out-topic", "", "output topic name")
	f.String("expected-digitisers", "", "CSV of u8 digitiser ids a frame must contain to be complete, e.g. 0,1,2,5")
	f.Int("frame-ttl-ms", 0, "frame cache time-to-live in milliseconds")
	f.String("observability-address", "", "address to serve /metrics and /healthz on")
	f.String("otel-endpoint", "", "OTLP collector endpoint")
	f.String("otel-namespace", "", "namespace prefix for emitted metrics")
}

// flagToConfigPath maps a cobra flag name to its dotted viper config key.
var flagToConfigPath = map[string]string{
	"broker":                "broker",
	"username":              "username",
	"password":              "password",
	"consumer-group":        "consumerGroup",
	"in-topic":              "topics.in",
	"out-topic":             "topics.out",
	"expected-digitisers":   "aggregator.expectedDigitisers",
	"frame-ttl-ms":          "aggregator.frameTTLMillis",
	"observability-address": "observability.address",
	"otel-endpoint":         "observability.otelEndpoint",
	"otel-namespace":        "observability.otelNamespace",
}

// Load renders the embedded default (and, if non-empty, overridePath),
// layers environment variables and the cmd's bound flags on top via
// viper, and unmarshals the result.
func Load(cmd *cobra.Command, overridePath string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	rendered, err := renderTemplate(bytes.NewReader(defaultConfig))
	if err != nil {
		return Config{}, err
	}
	if err := v.ReadConfig(bytes.NewReader(rendered)); err != nil {
		return Config{}, fmt.Errorf("pipelinecfg: load default config: %w", err)
	}

	if overridePath != "" {
		f, err := os.Open(overridePath)
		if err != nil {
			return Config{}, fmt.Errorf("pipelinecfg: open override config %s: %w", overridePath, err)
		}
		defer f.Close()

		renderedOverride, err := renderTemplate(f)
		if err != nil {
			return Config{}, err
		}
		overrideViper := viper.New()
		overrideViper.SetConfigType("yaml")
		if err := overrideViper.ReadConfig(bytes.NewReader(renderedOverride)); err != nil {
			return Config{}, fmt.Errorf("pipelinecfg: parse override config %s: %w", overridePath, err)
		}
		if err := v.MergeConfigMap(overrideViper.AllSettings()); err != nil {
			return Config{}, fmt.Errorf("pipelinecfg: merge override config: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		for flagName, key := range flagToConfigPath {
			flag := cmd.Flags().Lookup(flagName)
			if flag == nil || !flag.Changed {
				continue
			}
			v.Set(key, flag.Value.String())
		}
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		stringToDigitiserListHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return Config{}, fmt.Errorf("pipelinecfg: unmarshal config: %w", err)
	}
	return cfg, nil
}
