package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	flashagent "github.com/httprunner/FlashAgent"
	"github.com/httprunner/FlashAgent/internal/safego"
	"github.com/httprunner/FlashAgent/pkg/device"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newDevicesCmd() *cobra.Command {
	var flagJSON bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List attached devices once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevices(cmd.Context(), func(agent *flashagent.Agent) error {
				records := agent.Registry().List()
				if flagJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(records)
				}
				printDevices(cmd.OutOrStdout(), records)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&flagJSON, "json", false, "print records as JSON")
	return cmd
}

func printDevices(out io.Writer, records []device.Record) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERIAL\tSTATE\tMODE\tCONNECTION\tMODEL\tCODENAME\tSEEN")
	for _, rec := range records {
		serial := rec.Serial
		if rec.Ambiguous {
			serial += " (ambiguous)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			serial, rec.State, rec.Mode, rec.Connection,
			firstNonEmpty(rec.Model, "-"), firstNonEmpty(rec.Codename, "-"),
			humanize.Time(rec.LastSeen))
	}
	_ = w.Flush()
}

func newWatchCmd() *cobra.Command {
	var flagInterval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch devices connect and disconnect until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := newAgent()
			if err != nil {
				return err
			}
			defer agent.Dispose()

			registry := agent.Registry()
			offConnected := registry.OnConnected(func(rec device.Record) {
				log.Info().Str("serial", rec.Serial).Str("mode", string(rec.Mode)).
					Str("connection", string(rec.Connection)).Msg("device connected")
			})
			defer offConnected()
			offDisconnected := registry.OnDisconnected(func(rec device.Record) {
				log.Info().Str("serial", rec.Serial).Msg("device disconnected")
			})
			defer offDisconnected()

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(sigCtx)

			interval := flagInterval
			if interval <= 0 {
				interval = agent.Settings().PollInterval
			}
			safego.Go(ctx, g, "device-watch", func(ctx context.Context) error {
				if err := registry.StartWatching(ctx, interval); err != nil {
					return err
				}
				<-ctx.Done()
				registry.StopWatching()
				return nil
			})
			safego.Go(ctx, g, "device-summary", func(ctx context.Context) error {
				ticker := time.NewTicker(time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						log.Info().Int("devices", len(registry.List())).Msg("device summary")
					}
				}
			})
			log.Info().Dur("interval", interval).Msg("watching devices, press Ctrl+C to stop")
			return g.Wait()
		},
	}
	cmd.Flags().DurationVar(&flagInterval, "interval", 0, "poll interval, overrides $FLASHAGENT_POLL_INTERVAL")
	return cmd
}
