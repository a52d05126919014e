package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pharmagent/internal/config"
	"pharmagent/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "pharmagent",
	Short: "PharmAgent research co-pilot",
	Long: `PharmAgent answers drug-repurposing questions with a team of worker agents.
- Master agent: reads your question and picks the compound.
- Worker agents: patent, clinical-trial and market research, shown as live stages.
- Research backend: 'pharmagent backend' runs one locally; without it the curated catalog answers for known compounds.
- Reports: every completed analysis can be exported as a PDF strategy report.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	if err := config.LoadDotEnv(viper.GetString("env-file")); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
	viper.SetEnvPrefix("PHARMAGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "pharmagent.yml", "path to YAML config")
	flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
	flags.Bool("json", false, "output JSON")
	flags.Bool("debug", false, "verbose logging of backend traffic")
	flags.String("backend-url", "", "research backend URL (overrides backend.url)")
	flags.Bool("no-fallback", false, "do not fall back to the local catalog when the backend fails")
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("env-file", flags.Lookup("env-file"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("debug", flags.Lookup("debug"))
	_ = viper.BindPFlag("backend.url", flags.Lookup("backend-url"))
	_ = viper.BindPFlag("no-fallback", flags.Lookup("no-fallback"))
}

func registerCommands() {
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(backendCmd())
	rootCmd.AddCommand(compoundsCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig reads the config file and applies environment and flag
// overrides on top of it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("backend.url"); v != "" {
		cfg.Backend.URL = v
	}
	if viper.IsSet("backend.auto_fallback") {
		cfg.Backend.AutoFallback = viper.GetBool("backend.auto_fallback")
	}
	if viper.GetBool("no-fallback") {
		cfg.Backend.AutoFallback = false
	}
	if viper.IsSet("backend.timeout") {
		cfg.Backend.Timeout = viper.GetDuration("backend.timeout")
	}
	if viper.IsSet("backend.timeout_ms") {
		cfg.Backend.TimeoutMS = viper.GetInt("backend.timeout_ms")
	}
	if viper.GetBool("debug") {
		cfg.Debug = true
	}
	if v := viper.GetString("server.addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v := viper.GetString("server.base_path"); v != "" {
		cfg.Server.BasePath = v
	}
	if v := viper.GetString("log.file"); v != "" {
		cfg.Log.File = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger. Interactive commands pass quiet so
// only warnings reach the terminal.
func newLogger(cfg *config.Config, quiet bool) *logger.ZapLogger {
	return logger.New(logger.Options{
		File:       cfg.Log.File,
		Production: cfg.Log.Production,
		Debug:      cfg.Debug,
		Quiet:      quiet,
		Console:    os.Stderr,
	})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
