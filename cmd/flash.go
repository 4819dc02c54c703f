package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flashagent "github.com/httprunner/FlashAgent"
	"github.com/httprunner/FlashAgent/pkg/flash"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newFlashCmd() *cobra.Command {
	var (
		flagSerial     string
		flagCodename   string
		flagURL        string
		flagVersion    string
		flagSHA256     string
		flagSize       int64
		flagSkipUnlock bool
		flagYes        bool
	)

	cmd := &cobra.Command{
		Use:   "flash",
		Short: "Install a factory image on one device",
		Long: `Installs a factory image end to end. Without --url the newest bundle for the
device codename is resolved from the catalog at $CATALOG_BASE_URL. Ctrl+C
cancels the job at its next state transition.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			serial := strings.TrimSpace(flagSerial)
			return withDevices(ctx, func(agent *flashagent.Agent) error {
				sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				go func() {
					<-sigCtx.Done()
					if ctx.Err() == nil {
						agent.Executor().Cancel()
					}
				}()

				opts := flash.Options{
					DeviceSerial: serial,
					SkipUnlock:   flagSkipUnlock,
					OnProgress:   logProgress,
					OnLog:        logEntry,
					Confirm:      confirmFunc(flagYes, cmd.InOrStdin(), cmd.ErrOrStderr()),
				}

				var (
					res *flash.Result
					err error
				)
				if strings.TrimSpace(flagURL) == "" {
					res, err = agent.FlashLatest(ctx, serial, flagCodename, opts)
				} else {
					codename := strings.TrimSpace(flagCodename)
					if codename == "" {
						props, perr := agent.Sessions().GetProperties(ctx, serial)
						if perr != nil {
							return perr
						}
						if props == nil {
							return fmt.Errorf("--codename is required, %s does not report one", serial)
						}
						codename = props.Codename
					}
					opts.Build = &flash.Build{
						Codename: codename,
						Version:  firstNonEmpty(flagVersion, "custom"),
						URL:      strings.TrimSpace(flagURL),
						Size:     flagSize,
						SHA256:   flagSHA256,
					}
					res, err = agent.Executor().StartFlash(ctx, opts)
				}
				if res != nil {
					log.Info().
						Str("job", res.JobID).
						Str("state", string(res.State)).
						Str("last_state", string(res.LastState)).
						Float64("progress", res.Progress).
						Dur("elapsed", res.FinishedAt.Sub(res.StartedAt)).
						Msg("flash finished")
				}
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&flagSerial, "serial", "s", "", "device serial")
	cmd.Flags().StringVar(&flagCodename, "codename", "", "device codename, read from the device when empty")
	cmd.Flags().StringVar(&flagURL, "url", "", "bundle URL, file:// URL or local path; skips the catalog")
	cmd.Flags().StringVar(&flagVersion, "version", "", "build version label used with --url")
	cmd.Flags().StringVar(&flagSHA256, "sha256", "", "expected SHA-256 of the bundle used with --url")
	cmd.Flags().Int64Var(&flagSize, "size", 0, "expected bundle size in bytes used with --url")
	cmd.Flags().BoolVar(&flagSkipUnlock, "skip-unlock", false, "do not unlock a locked bootloader")
	cmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "confirm the bootloader unlock without prompting")
	_ = cmd.MarkFlagRequired("serial")
	return cmd
}

func logProgress(p flash.Progress) {
	log.Info().Str("state", string(p.State)).Float64("progress", p.Progress).Msg(p.Message)
}

func logEntry(e flash.LogEntry) {
	evt := log.Info()
	switch e.Level {
	case flash.LogWarn:
		evt = log.Warn()
	case flash.LogError:
		evt = log.Error()
	}
	evt.Str("state", string(e.State)).Msg(e.Message)
}

// confirmFunc answers yes when assumeYes is set, otherwise asks on in.
func confirmFunc(assumeYes bool, in io.Reader, out io.Writer) flash.ConfirmFunc {
	return func(ctx context.Context, prompt string) (bool, error) {
		if assumeYes {
			return true, nil
		}
		fmt.Fprintf(out, "%s [y/N]: ", prompt)
		answer, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}
