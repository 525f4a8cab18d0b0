package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/basekick-labs/querybench/internal/config"
	"github.com/basekick-labs/querybench/internal/logger"
	"github.com/basekick-labs/querybench/internal/querydef"
)

// Version is set at build time
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries the flag-bound viper instance shared by every subcommand.
type app struct {
	v          *viper.Viper
	configFile string
}

func rootCmd() *cobra.Command {
	a := &app{v: config.New()}

	cmd := &cobra.Command{
		Use:   "querybench",
		Short: "Compare PromQL and ES|QL query latency and results.",
		Long: `querybench runs the same logical queries against Prometheus and
Elasticsearch, reports p50/p95/p99 latency per backend and diffs the
returned values by series.

Settings come from querybench.toml, QUERYBENCH_* environment variables and
the flags below, in increasing order of precedence.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "Config file (default: querybench.toml in ., /etc/querybench, ~/.querybench)")
	flags.String("queries", "", "YAML query catalog (default: built-in queries)")
	flags.Int("runs", 5, "Measured runs per query and backend")
	flags.Bool("print-results", false, "Print normalized rows and comparison details")
	flags.String("output", "text", "Report format: text or json")
	flags.String("log-level", "info", "Log level")

	if err := bindFlags(a.v, flags, map[string]string{
		"bench.queries_file":  "queries",
		"bench.runs":          "runs",
		"bench.print_results": "print-results",
		"bench.output":        "output",
		"log.level":           "log-level",
	}); err != nil {
		cmd.PersistentPreRunE = func(*cobra.Command, []string) error { return err }
	}

	cmd.AddCommand(
		runCmd(a),
		serveCmd(a),
		queriesCmd(a),
		historyCmd(a),
	)
	return cmd
}

// bindFlags binds each viper key to the named flag.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	var result *multierror.Error
	for key, name := range keys {
		flag := flags.Lookup(name)
		if flag == nil {
			result = multierror.Append(result, fmt.Errorf("flag --%s for %s is not defined", name, key))
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			result = multierror.Append(result, fmt.Errorf("bind --%s: %w", name, err))
		}
	}
	return result.ErrorOrNil()
}

// load builds and validates the configuration and sets up logging.
func (a *app) load() (*config.Config, error) {
	cfg, err := config.FromViper(a.v, a.configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func loadCatalog(cfg *config.Config) (*querydef.Registry, error) {
	if cfg.Bench.QueriesFile == "" {
		return querydef.Defaults()
	}
	return querydef.Load(cfg.Bench.QueriesFile)
}
