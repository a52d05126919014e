package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pharmagent/internal/backend"
	"pharmagent/internal/catalog"
	"pharmagent/internal/config"
	"pharmagent/internal/domain"
	"pharmagent/internal/engine"
	"pharmagent/internal/events"
	"pharmagent/internal/report"
	"pharmagent/internal/session"
	pharmagentsdk "pharmagent/sdk/go"
)

type askOptions struct {
	serverURL  string
	reportPath string
	format     string
	fast       bool
}

func askCmd() *cobra.Command {
	var opts askOptions
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Run one research query",
		Long: `Run the research workflow for a question and show the worker agents live.
Without --server the workflow runs in this process against backend.url, falling back to the local catalog.
With --server the query goes to a running 'pharmagent serve'.`,
		Example: `  pharmagent ask "Analyze Gefitinib for Glioblastoma"
  pharmagent ask --report . "Can metformin slow aging?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if opts.serverURL != "" {
				return askRemote(cmd.Context(), cfg, opts, query)
			}
			return askLocal(cmd.Context(), cfg, opts, query)
		},
	}
	cmd.Flags().StringVar(&opts.serverURL, "server", "", "URL of a running pharmagent API (e.g. http://127.0.0.1:8080)")
	cmd.Flags().StringVar(&opts.reportPath, "report", "", "write the strategy report to this file or directory")
	cmd.Flags().StringVar(&opts.format, "format", report.FormatPDF, "report format: pdf or text")
	cmd.Flags().BoolVar(&opts.fast, "fast", false, "skip the stage pacing delays")
	return cmd
}

func askLocal(ctx context.Context, cfg *config.Config, opts askOptions, query string) error {
	log := newLogger(cfg, true)
	defer log.Sync()
	cat := catalog.Default()
	bus := events.NewBus(log)
	defer bus.Close()

	client := backend.New(cfg.Backend.URL, cfg.Backend.RequestTimeout())
	client.Logger, client.Verbose = log, cfg.Debug
	e := engine.New(cfg, cat, client, bus, log)
	if opts.fast {
		e.Delays = engine.Delays{}
	}
	sess := session.New("", nil)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := bus.Subscribe(subCtx, sess.ID())
	if err != nil {
		return err
	}
	run, err := e.Start(ctx, sess, query)
	if err != nil {
		return err
	}
	jsonOut := viper.GetBool("json")
	printer := livePrinter{w: os.Stdout}
	for evt := range stream {
		if !jsonOut {
			printer.event(evt)
		}
		if evt.Type == events.TypeRun {
			break
		}
	}
	if _, err := run.Wait(ctx); err != nil {
		return err
	}
	snap := sess.Snapshot()
	if jsonOut {
		return printJSON(snap)
	}
	fmt.Println()
	renderResult(os.Stdout, snap)
	return writeLocalReport(snap, opts)
}

func writeLocalReport(snap domain.Snapshot, opts askOptions) error {
	if opts.reportPath == "" {
		return nil
	}
	m, ok := finalAnswer(snap)
	if !ok || !m.OfferDownload || m.Record == nil {
		return errors.New("no report available: the query did not complete an analysis")
	}
	now := time.Now()
	doc := report.Format(*m.Record, now)
	name := doc.Filename
	if opts.format == report.FormatText {
		name = report.Filename(m.Record.Name, now, "txt")
	}
	var buf bytes.Buffer
	if err := report.Render(doc, opts.format, &buf); err != nil {
		return err
	}
	return saveReport(opts.reportPath, name, buf.Bytes())
}

func askRemote(ctx context.Context, cfg *config.Config, opts askOptions, query string) error {
	c := pharmagentsdk.New(opts.serverURL)
	c.BasePath = cfg.Server.BasePath
	sess, err := c.CreateSession(ctx)
	if err != nil {
		return err
	}
	defer c.DeleteSession(context.WithoutCancel(ctx), sess.ID)

	jsonOut := viper.GetBool("json")
	printer := livePrinter{w: os.Stdout}
	ready := make(chan struct{})
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- c.Stream(ctx, sess.ID, true, func(e pharmagentsdk.Event) error {
			if e.Name == "snapshot" {
				close(ready)
				return nil
			}
			var payload events.EventPayload
			if err := json.Unmarshal(e.Data, &payload); err != nil {
				return nil
			}
			if !jsonOut {
				printer.event(events.Event{Type: e.Name, SessionID: sess.ID, Payload: payload})
			}
			return nil
		})
	}()
	select {
	case <-ready:
	case err := <-streamErr:
		if err == nil {
			err = errors.New("closed before the session snapshot")
		}
		return fmt.Errorf("event stream: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
	res, err := c.Submit(ctx, sess.ID, query, false)
	if err != nil {
		return err
	}
	if !res.Accepted {
		return fmt.Errorf("query rejected: %s", res.Reason)
	}
	if err := <-streamErr; err != nil {
		return err
	}

	remote, err := c.Session(ctx, sess.ID)
	if err != nil {
		return err
	}
	var snap domain.Snapshot
	if err := decodePayload(remote, &snap); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(snap)
	}
	fmt.Println()
	renderResult(os.Stdout, snap)
	if opts.reportPath == "" {
		return nil
	}
	m, ok := finalAnswer(snap)
	if !ok || !m.OfferDownload {
		return errors.New("no report available: the query did not complete an analysis")
	}
	data, name, err := c.Report(ctx, sess.ID, m.ID, opts.format)
	if err != nil {
		return err
	}
	return saveReport(opts.reportPath, name, data)
}

// saveReport writes data to path, or to path/name when path is a directory.
func saveReport(path, name string, data []byte) error {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, name)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("Report saved to %s\n", path)
	return nil
}
