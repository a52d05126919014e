package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pharmagent/internal/backend"
	"pharmagent/internal/catalog"
	"pharmagent/internal/config"
	"pharmagent/internal/report"
)

func compoundsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compounds [key]",
		Short: "List known compounds or show one",
		Long:  "The catalog answers queries when the research backend is unavailable. Detection checks compounds in the listed order.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat := catalog.Default()
			if len(args) == 1 {
				rec, ok := cat.Get(args[0])
				if !ok {
					return fmt.Errorf("%w: %s", catalog.ErrUnknown, args[0])
				}
				return printJSONOrTable(rec)
			}
			if viper.GetBool("json") {
				return printJSON(cat.All())
			}
			printCompounds(os.Stdout, cat.All())
			return nil
		},
	}
	return cmd
}

func reportCmd() *cobra.Command {
	var out, format string
	cmd := &cobra.Command{
		Use:   "report <compound>",
		Short: "Export the strategy report for a known compound",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, ok := catalog.Default().Get(args[0])
			if !ok {
				return fmt.Errorf("%w: %s", catalog.ErrUnknown, args[0])
			}
			now := time.Now()
			doc := report.Format(rec, now)
			name := doc.Filename
			if format == report.FormatText {
				name = report.Filename(rec.Name, now, "txt")
			}
			var buf bytes.Buffer
			if err := report.Render(doc, format, &buf); err != nil {
				return err
			}
			if out == "-" {
				_, err := os.Stdout.Write(buf.Bytes())
				return err
			}
			return saveReport(out, name, buf.Bytes())
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", ".", "output file or directory; - writes to stdout")
	cmd.Flags().StringVar(&format, "format", report.FormatPDF, "report format: pdf or text")
	return cmd
}

func healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the research backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := backend.New(cfg.Backend.URL, cfg.Backend.RequestTimeout())
			h, err := client.Health(cmd.Context())
			if err != nil {
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ok": false, "url": cfg.Backend.URL, "kind": backend.Kind(err), "error": err.Error()})
				}
				return fmt.Errorf("backend %s unavailable (%s): %w", cfg.Backend.URL, backend.Kind(err), err)
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": true, "url": cfg.Backend.URL, "status": h.Status, "service": h.Service})
			}
			fmt.Printf("%s at %s: %s\n", h.Service, cfg.Backend.URL, h.Status)
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Configuration comes from pharmagent.yml, PHARMAGENT_* environment variables (.env is loaded first) and flags, in increasing precedence.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
