package cmd

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/tvrelay/internal/config"
)

var configEffective bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing tvrelay configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  tvrelay config dump > .tvrelay.yaml

Configuration can be set via:
  - Config file (.tvrelay.yaml in $HOME, the working directory or /etc/tvrelay)
  - Environment variables (TVRELAY_SERVER_PORT, TVRELAY_RELAY_GRACE_PERIOD, etc.)
  - A dotenv file (--env-file, default .env)
  - Command-line flags (for some options)

Use --effective to print the merged configuration instead of the defaults.`,
	RunE: runConfigDump,
}

func init() {
	configDumpCmd.Flags().BoolVar(&configEffective, "effective", false, "dump the configuration after applying file, env and flags")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map keyed by mapstructure tags, rendering durations
// and sizes in the form the config file accepts.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Pointer {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		case config.Duration:
			result[key] = fv.String()
		case config.ByteSize:
			result[key] = fv.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(fv)
			} else {
				result[key] = fv
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	var (
		cfg *config.Config
		err error
	)
	if configEffective {
		cfg, err = loadConfig()
	} else {
		cfg, err = config.Defaults()
	}
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	writeConfigHeader(out)
	_, err = out.Write(data)
	return err
}

func writeConfigHeader(w io.Writer) {
	fmt.Fprint(w, `# tvrelay configuration
# ======================
#
# Duration format: 500ms, 30s, 5m, 1h (health.retention also accepts 7d, 2w)
# Size format: 64MB, 1GB or a raw byte count
#
# Environment variable overrides use the TVRELAY_ prefix and underscores:
#   TVRELAY_SERVER_PORT, TVRELAY_DATABASE_DSN
#   TVRELAY_RELAY_GRACE_PERIOD, TVRELAY_RELAY_MAX_ATTEMPTS
#   TVRELAY_HEALTH_SCHEDULE, TVRELAY_LOGGING_LEVEL

`)
}
