package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	flashagent "github.com/httprunner/FlashAgent"
	"github.com/httprunner/FlashAgent/pkg/catalog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newCatalogCmd() *cobra.Command {
	var flagURL string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Query the backend build catalog",
	}
	cmd.PersistentFlags().StringVar(&flagURL, "url", "", "catalog base URL, overrides $CATALOG_BASE_URL")

	var flagJSON bool
	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List the devices the backend sees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newCatalogClient(flagURL)
			if err != nil {
				return err
			}
			return printRemoteDevices(cmd.Context(), client, cmd.OutOrStdout(), flagJSON)
		},
	}
	devicesCmd.Flags().BoolVar(&flagJSON, "json", false, "print JSON")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the backend is healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newCatalogClient(flagURL)
			if err != nil {
				return err
			}
			return printHealth(cmd.Context(), client, cmd.OutOrStdout())
		},
	}

	latestCmd := &cobra.Command{
		Use:   "latest <codename>",
		Short: "Show the newest bundle for a codename",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newCatalogClient(flagURL)
			if err != nil {
				return err
			}
			build, err := client.LatestBundle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s\n", build.Codename, build.Version,
				humanize.Bytes(uint64(build.Size)), build.URL)
			return nil
		},
	}

	cmd.AddCommand(devicesCmd, healthCmd, latestCmd)
	return cmd
}

func newCatalogClient(baseURL string) (*catalog.Client, error) {
	settings, err := flashagent.LoadSettings()
	if err != nil {
		return nil, err
	}
	baseURL = firstNonEmpty(baseURL, settings.CatalogBaseURL)
	if baseURL == "" {
		return nil, errors.Wrap(flashagent.ErrCatalogUnavailable, "set --url or $CATALOG_BASE_URL")
	}
	return catalog.NewClient(baseURL, settings.CatalogAPIKey, nil)
}

func printRemoteDevices(ctx context.Context, client *catalog.Client, out io.Writer, asJSON bool) error {
	devices, err := client.Devices(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return json.NewEncoder(out).Encode(devices)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSERIAL\tSTATE\tMODEL\tCODENAME")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Serial, d.State,
			firstNonEmpty(d.Model, "-"), firstNonEmpty(d.Codename, "-"))
	}
	return w.Flush()
}

func printHealth(ctx context.Context, client *catalog.Client, out io.Writer) error {
	health, err := client.Health(ctx)
	if health != nil {
		fmt.Fprintf(out, "status=%s service=%s version=%s\n", health.Status,
			firstNonEmpty(health.Service, "-"), firstNonEmpty(health.Version, "-"))
	}
	return err
}
