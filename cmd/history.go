package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/httprunner/FlashAgent/pkg/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		flagSerial  string
		flagLimit   int
		flagDevices bool
		flagJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded flash jobs or devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, err := newAgent()
			if err != nil {
				return err
			}
			defer agent.Dispose()
			history := agent.History()
			if history == nil {
				return errors.New("flash history is disabled")
			}

			out := cmd.OutOrStdout()
			if flagDevices {
				rows, err := history.ListDevices(cmd.Context())
				if err != nil {
					return err
				}
				if flagJSON {
					return json.NewEncoder(out).Encode(rows)
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SERIAL\tSTATE\tEVENT\tMODEL\tCODENAME\tSEEN")
				for _, r := range rows {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Serial, r.State, r.LastEvent,
						firstNonEmpty(r.Model, "-"), firstNonEmpty(r.Codename, "-"), humanize.Time(r.LastSeenAt))
				}
				return w.Flush()
			}

			jobs, err := history.ListJobs(cmd.Context(), storage.JobFilter{Serial: flagSerial, Limit: flagLimit})
			if err != nil {
				return err
			}
			if flagJSON {
				return json.NewEncoder(out).Encode(jobs)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tSERIAL\tBUILD\tSTATE\tPROGRESS\tSTARTED\tERROR")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%.0f%%\t%s\t%s\n", j.ID, j.Serial, j.Codename, j.Version,
					j.State, j.Progress, humanize.Time(j.StartedAt), firstNonEmpty(j.Error, "-"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&flagSerial, "serial", "s", "", "only jobs of this device")
	cmd.Flags().IntVar(&flagLimit, "limit", 20, "maximum jobs to show")
	cmd.Flags().BoolVar(&flagDevices, "devices", false, "list devices instead of jobs")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "print JSON")
	return cmd
}
