package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hlsgate/hlsgate/internal/config"
	"github.com/hlsgate/hlsgate/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing hlsgate configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the resolved configuration",
	Long: `Dump the resolved configuration values in YAML format.

This shows all available configuration options with the values currently in
effect (defaults, config file, and environment combined). Redirect the output
to a file to create a configuration template:

  hlsgate config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml, .hlsgate.yaml, /etc/hlsgate/config.yaml)
  - Environment variables (HLSGATE_SERVER_PORT, HLSGATE_CACHE_PLAYLIST_TTL, ...)
  - Legacy unprefixed variables (PORT, SERVER_BASE_URL, VERIFY_SSL, ...)

Environment variables use the HLSGATE_ prefix and underscores for nesting.
Example: server.port -> HLSGATE_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map, formatting durations and sizes
// for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case config.Duration:
			result[key] = v.String()
		case config.ByteSize:
			result[key] = v.String()
		case time.Duration:
			result[key] = duration.Format(v)
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# hlsgate Configuration File")
	fmt.Println("# ==========================")
	fmt.Println("#")
	fmt.Println("# Values below are the resolved configuration.")
	fmt.Println("# Duration format: 30s, 5m, 1h (bare integers are seconds)")
	fmt.Println("# Size format: 8MiB, 512MiB")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   HLSGATE_SERVER_HOST, HLSGATE_SERVER_PORT")
	fmt.Println("#   HLSGATE_UPSTREAM_VERIFY_SSL, HLSGATE_UPSTREAM_REQUEST_TIMEOUT")
	fmt.Println("#   HLSGATE_CACHE_PLAYLIST_TTL, HLSGATE_CACHE_SEGMENT_MAX_TOTAL")
	fmt.Println("#   HLSGATE_LOGGING_LEVEL, HLSGATE_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
