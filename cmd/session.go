package main

import (
	"fmt"
	"strings"

	flashagent "github.com/httprunner/FlashAgent"
	"github.com/spf13/cobra"
)

func newPropsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "props <serial>",
		Short: "Read identity properties over the debug bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serial := strings.TrimSpace(args[0])
			return withDevices(cmd.Context(), func(agent *flashagent.Agent) error {
				sessions := agent.Sessions()
				if sessions.IsInBootloaderMode(cmd.Context(), serial) {
					return fmt.Errorf("%s is in bootloader mode, properties are unavailable", serial)
				}
				props, err := sessions.GetProperties(cmd.Context(), serial)
				if err != nil {
					return err
				}
				if props == nil {
					return fmt.Errorf("%s does not report identity properties", serial)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "codename: %s\n", props.Codename)
				fmt.Fprintf(out, "model:    %s\n", props.Model)
				fmt.Fprintf(out, "name:     %s\n", props.DeviceName)
				fmt.Fprintf(out, "build:    %s (%s)\n", props.BuildID, props.BuildVersion)
				return nil
			})
		},
	}
}

func newExecCmd() *cobra.Command {
	var flagReboot bool
	cmd := &cobra.Command{
		Use:   "exec <serial> [-- command...]",
		Short: "Run a shell command, or reboot to bootloader with --bootloader",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serial := strings.TrimSpace(args[0])
			command := args[1:]
			if !flagReboot && len(command) == 0 {
				return fmt.Errorf("a command is required")
			}
			return withDevices(cmd.Context(), func(agent *flashagent.Agent) error {
				sessions := agent.Sessions()
				if flagReboot {
					if err := sessions.RebootToBootloader(cmd.Context(), serial); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s rebooting to bootloader\n", serial)
					return nil
				}
				out, err := sessions.Execute(cmd.Context(), serial, command...)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&flagReboot, "bootloader", false, "reboot the device into bootloader mode")
	return cmd
}
