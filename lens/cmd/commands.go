package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/PatchLens/go-trace-lens/lens"
)

// NewRootCommand builds the tracelens command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "tracelens",
		Short:         "Collect and report debugger trace events",
		Long:          "tracelens receives trace events from debugger probes, records them, and reports on the recorded events.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newReportCommand(), newChartCommand(), newDumpCommand())
	return root
}

func newServeCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collector, recording events from probes until interrupted",
		Args:  cobra.NoArgs,
		RunE:  serveExecution,
	}
	addCollectorFlags(serveCmd)
	return serveCmd
}

func serveExecution(cmd *cobra.Command, _ []string) error {
	config, err := CollectorConfigFromFlags(cmd)
	if err != nil {
		return err
	}
	if logFile, _ := cmd.Flags().GetString("log-file"); logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logWriter := lens.TeeWriter(log.Writer(), f)
		log.SetOutput(logWriter)
		defer func() {
			log.SetOutput(os.Stderr)
			_ = f.Close()
		}()
	}

	ctx, cancel := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return RunCollector(ctx, config)
}

// RunCollector records events until ctx is done, then writes the configured report outputs.
func RunCollector(ctx context.Context, config *lens.CollectorConfig) error {
	storage, err := config.OpenStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	recorderCfg := lens.RecorderConfig{
		Codec:      config.BlobCodec,
		LogChanges: config.LogChanges,
		CacheMB:    max(config.CacheMB/4, 1),
	}
	if config.Echo {
		recorderCfg.Echo = lens.NewStdoutEventPrinter()
	}
	recorder, err := lens.NewRecorder(storage, recorderCfg)
	if err != nil {
		return err
	}
	defer recorder.Close()

	collector, err := lens.StartCollector(config.ListenAddr, recorder)
	if err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	stopErr := collector.Stop(stopCtx)
	log.Printf("Trace Collector stopped: %d connections, %d events recorded, %d failures",
		collector.Connections(), recorder.Events(), recorder.Failures())

	return errors.Join(stopErr, writeReports(storage, config))
}

func writeReports(storage lens.Storage, config *lens.CollectorConfig) error {
	if config.ReportJsonFile == "" && config.ReportChartsFile == "" {
		return nil
	}
	report, err := lens.BuildReport(storage)
	if err != nil {
		return err
	}
	if err := lens.WriteReportJSON(config.ReportJsonFile, report); err != nil {
		return err
	} else if config.ReportJsonFile != "" {
		log.Println("Report file wrote: " + config.ReportJsonFile)
	}
	if err := lens.WriteReportChart(config.ReportChartsFile, report); err != nil {
		return err
	} else if config.ReportChartsFile != "" {
		log.Println("Report chart wrote: " + config.ReportChartsFile)
	}
	return nil
}

func newReportCommand() *cobra.Command {
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Build the report json and chart from recorded events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := persistentStorageConfig(cmd)
			if err != nil {
				return err
			}
			storage, err := config.OpenStorage()
			if err != nil {
				return err
			}
			defer storage.Close()
			return writeReports(storage, config)
		},
	}
	addStorageFlags(reportCmd, lens.StorageSqlite)
	reportCmd.Flags().String("json", defaultReportJson, "File to output the report to")
	reportCmd.Flags().String("charts", defaultChartsFile, "File to output the report chart image to")
	return reportCmd
}

func newChartCommand() *cobra.Command {
	chartCmd := &cobra.Command{
		Use:   "chart",
		Short: "Render the report chart from a report json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jsonFile, _ := cmd.Flags().GetString("json")
			chartsFile, _ := cmd.Flags().GetString("charts")
			report, err := lens.ReadReportJSON(jsonFile)
			if err != nil {
				return err
			}
			if err := lens.WriteReportChart(chartsFile, report); err != nil {
				return err
			}
			log.Println("Report chart wrote: " + chartsFile)
			return nil
		},
	}
	chartCmd.Flags().String("json", defaultReportJson, "Report file to render")
	chartCmd.Flags().String("charts", defaultChartsFile, "File to output the chart image to (png, jpg, svg)")
	return chartCmd
}

func newDumpCommand() *cobra.Command {
	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Print recorded events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := persistentStorageConfig(cmd)
			if err != nil {
				return err
			}
			channel, _ := cmd.Flags().GetString("channel")
			noColor, _ := cmd.Flags().GetBool("no-color")

			storage, err := config.OpenStorage()
			if err != nil {
				return err
			}
			defer storage.Close()
			events, failures, err := lens.LoadStoredEvents(storage)
			if err != nil {
				return err
			}

			printer := lens.NewEventPrinter(cmd.OutOrStdout(), !noColor && !color.NoColor)
			for _, ev := range events {
				if channel != "" && ev.Channel != channel {
					continue
				}
				if err := printer.PrintEvent(ev.TraceEvent); err != nil {
					return err
				}
			}
			if failures > 0 {
				return fmt.Errorf("%d recorded events could not be decoded", failures)
			}
			return nil
		},
	}
	addStorageFlags(dumpCmd, lens.StorageSqlite)
	dumpCmd.Flags().String("channel", "", "Only print events of this channel")
	dumpCmd.Flags().Bool("no-color", false, "Disable colorized output")
	return dumpCmd
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
