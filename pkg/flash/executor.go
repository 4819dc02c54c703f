package flash

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/httprunner/FlashAgent/pkg/device"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Devices is the slice of the session manager the executor borrows. The
// executor never closes sessions it did not open for itself.
type Devices interface {
	Open(ctx context.Context, serial string) (*device.Session, error)
	GetProperties(ctx context.Context, serial string) (*device.Properties, error)
	Execute(ctx context.Context, serial string, command ...string) (string, error)
	RebootToBootloader(ctx context.Context, serial string) error
	IsInBootloaderMode(ctx context.Context, serial string) bool
	IsAmbiguous(serial string) bool
}

// Bootloader speaks the bootloader protocol.
type Bootloader interface {
	GetVar(ctx context.Context, serial, name string) (string, error)
	Flash(ctx context.Context, serial, partition, image string, extra ...string) error
	Reboot(ctx context.Context, serial, target string) error
	Unlock(ctx context.Context, serial string) error
}

// Settings tune the bounded polls.
type Settings struct {
	BootloaderAttempts int
	BootloaderBackoff  time.Duration
	BootloaderMaxDelay time.Duration
	UnlockAttempts     int
	UnlockInterval     time.Duration
}

// DefaultSettings are tuned for Tensor Pixels, which reset USB on every
// bootloader reboot.
func DefaultSettings() Settings {
	return Settings{
		BootloaderAttempts: 30,
		BootloaderBackoff:  2 * time.Second,
		BootloaderMaxDelay: 10 * time.Second,
		UnlockAttempts:     60,
		UnlockInterval:     time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.BootloaderAttempts <= 0 {
		s.BootloaderAttempts = d.BootloaderAttempts
	}
	if s.BootloaderBackoff <= 0 {
		s.BootloaderBackoff = d.BootloaderBackoff
	}
	if s.BootloaderMaxDelay <= 0 {
		s.BootloaderMaxDelay = d.BootloaderMaxDelay
	}
	if s.UnlockAttempts <= 0 {
		s.UnlockAttempts = d.UnlockAttempts
	}
	if s.UnlockInterval <= 0 {
		s.UnlockInterval = d.UnlockInterval
	}
	return s
}

// Executor runs at most one flash job at a time.
type Executor struct {
	devices    Devices
	bootloader Bootloader
	fetcher    Fetcher
	unpacker   Unpacker
	recorder   JobRecorder
	settings   Settings
	sleep      func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	active *job
	last   Snapshot
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

func WithUnpacker(u Unpacker) ExecutorOption { return func(e *Executor) { e.unpacker = u } }

func WithJobRecorder(r JobRecorder) ExecutorOption { return func(e *Executor) { e.recorder = r } }

func WithSettings(s Settings) ExecutorOption { return func(e *Executor) { e.settings = s } }

// WithSleep replaces the poll delay, mostly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleep = fn }
}

// NewExecutor wires the executor collaborators.
func NewExecutor(devices Devices, bootloader Bootloader, fetcher Fetcher, opts ...ExecutorOption) *Executor {
	e := &Executor{
		devices:    devices,
		bootloader: bootloader,
		fetcher:    fetcher,
		unpacker:   ArchiveUnpacker{},
		settings:   DefaultSettings(),
		sleep:      sleepCtx,
		last:       Snapshot{State: StateIdle},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.settings = e.settings.withDefaults()
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Settings returns the effective poll tuning.
func (e *Executor) Settings() Settings { return e.settings }

// StateMachine returns the state of the active job, or of the most recent
// one when idle.
func (e *Executor) StateMachine() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return e.active.machine.snapshot()
	}
	return e.last
}

// Active reports whether a job is running.
func (e *Executor) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// Cancel flags the active job. It returns immediately; the job stops at its
// next state transition. No-op without an active job.
func (e *Executor) Cancel() {
	e.mu.Lock()
	j := e.active
	e.mu.Unlock()
	if j == nil {
		return
	}
	if j.cancelled.CompareAndSwap(false, true) {
		log.Info().Str("job", j.id).Str("serial", j.opts.DeviceSerial).Msg("flash cancellation requested")
	}
}

// StartFlash drives one device to complete and returns on a terminal state.
// Failures and cancellation are reported through OnLog and returned as err.
func (e *Executor) StartFlash(ctx context.Context, opts Options) (*Result, error) {
	opts.DeviceSerial = strings.TrimSpace(opts.DeviceSerial)
	if opts.DeviceSerial == "" {
		err := errors.Wrap(device.ErrDeviceNotFound, "device serial is empty")
		if opts.OnLog != nil {
			opts.OnLog(LogEntry{Time: time.Now(), Level: LogError, State: StateIdle, Message: err.Error()})
		}
		return nil, err
	}

	e.mu.Lock()
	if e.active != nil {
		active := e.active.id
		e.mu.Unlock()
		return nil, errors.Wrapf(ErrAlreadyFlashing, "job %s is active", active)
	}
	id := uuid.NewString()
	j := &job{
		id:        id,
		opts:      opts,
		machine:   newMachine(id, opts.DeviceSerial),
		startedAt: time.Now(),
	}
	if opts.Build != nil {
		j.build = *opts.Build
	}
	e.active = j
	e.mu.Unlock()

	logger := log.With().Str("job", j.id).Str("serial", opts.DeviceSerial).Str("codename", j.build.Codename).Logger()
	logger.Info().Str("version", j.build.Version).Msg("flash job started")
	e.persist(ctx, j)

	err := e.run(ctx, j, &logger)

	final := e.finish(ctx, j, err, &logger)
	e.mu.Lock()
	e.active = nil
	e.last = final
	e.mu.Unlock()

	res := &Result{
		JobID:      j.id,
		Serial:     opts.DeviceSerial,
		Build:      j.build,
		State:      final.State,
		LastState:  final.LastState,
		Progress:   final.Progress,
		Err:        final.Err,
		StartedAt:  j.startedAt,
		FinishedAt: final.UpdatedAt,
	}
	return res, final.Err
}

func (e *Executor) finish(ctx context.Context, j *job, err error, logger *zerolog.Logger) Snapshot {
	if err == nil {
		snap := j.machine.snapshot()
		logger.Info().Float64("progress", snap.Progress).Msg("flash job complete")
		return snap
	}
	state := StateFailed
	if errors.Is(err, ErrCancelled) {
		state = StateCancelled
	}
	last := j.machine.snapshot().LastState
	var msg string
	if state == StateCancelled {
		msg = fmt.Sprintf("flash cancelled after %s", last)
		logger.Warn().Str("last_state", string(last)).Msg("flash job cancelled")
	} else {
		msg = fmt.Sprintf("flash failed during %s: %v", last, err)
		logger.Error().Err(err).Str("last_state", string(last)).Msg("flash job failed")
	}
	snap := j.machine.fail(state, err, msg)
	e.emitLog(j, levelFor(state), msg)
	e.emitProgress(j, snap)
	e.persist(ctx, j)
	return snap
}

func levelFor(state State) LogLevel {
	if state == StateCancelled {
		return LogWarn
	}
	return LogError
}

// transition is the only place cancellation is observed.
func (e *Executor) transition(ctx context.Context, j *job, to State, progress float64, message string) error {
	if j.cancelled.Load() {
		return ErrCancelled
	}
	from := j.machine.snapshot().State
	if !CanTransition(from, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
	}
	snap := j.machine.moveTo(to, progress, message)
	log.Info().Str("job", j.id).Str("from", string(from)).Str("to", string(to)).
		Float64("progress", snap.Progress).Msg("flash state changed")
	e.emitProgress(j, snap)
	if message != "" {
		e.emitLog(j, LogInfo, message)
	}
	e.persist(ctx, j)
	return nil
}

func (e *Executor) report(j *job, progress float64, message string) {
	if snap, ok := j.machine.advance(progress, message); ok {
		e.emitProgress(j, snap)
	}
}

func (e *Executor) emitProgress(j *job, snap Snapshot) {
	if j.opts.OnProgress == nil {
		return
	}
	j.opts.OnProgress(Progress{JobID: j.id, State: snap.State, Progress: snap.Progress, Message: snap.Message})
}

func (e *Executor) emitLog(j *job, level LogLevel, message string) {
	if j.opts.OnLog == nil {
		return
	}
	j.opts.OnLog(LogEntry{Time: time.Now(), Level: level, State: j.machine.snapshot().State, Message: message})
}

func (e *Executor) persist(ctx context.Context, j *job) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.UpsertJob(context.WithoutCancel(ctx), j.record()); err != nil {
		log.Warn().Err(err).Str("job", j.id).Msg("record flash job failed")
	}
}

func (e *Executor) run(ctx context.Context, j *job, logger *zerolog.Logger) error {
	serial := j.opts.DeviceSerial

	// idle -> device_connected
	if e.devices.IsAmbiguous(serial) {
		return errors.Wrapf(ErrAmbiguousSerial, "%s: disconnect identical devices and flash one at a time", serial)
	}
	inBootloader := false
	if _, err := e.devices.Open(ctx, serial); err != nil {
		if !e.devices.IsInBootloaderMode(ctx, serial) {
			return err
		}
		inBootloader = true
		logger.Info().Msg("device already in bootloader mode")
	} else if j.opts.Build != nil {
		props, err := e.devices.GetProperties(ctx, serial)
		if err != nil {
			return err
		}
		if props != nil && props.Codename != "" && props.Codename != j.build.Codename {
			return errors.Wrapf(ErrCodenameMismatch, "device is %s, build is for %s", props.Codename, j.build.Codename)
		}
	}
	if !inBootloader && !j.opts.SkipUnlock {
		if err := e.checkOEMUnlock(ctx, serial); err != nil {
			return err
		}
	}
	if err := e.transition(ctx, j, StateDeviceConnected, 0, "device connected"); err != nil {
		return err
	}

	// device_connected -> build_selected
	if j.opts.Build == nil {
		return errors.Wrap(ErrInvalidBuild, "build is nil")
	}
	if err := j.opts.Build.Validate(); err != nil {
		return err
	}
	if err := e.fetcher.Check(ctx, j.build); err != nil {
		return err
	}
	if err := e.transition(ctx, j, StateBuildSelected, 0,
		fmt.Sprintf("selected %s %s", j.build.Codename, j.build.Version)); err != nil {
		return err
	}

	// build_selected -> downloading
	if err := e.transition(ctx, j, StateDownloading, 0, "downloading "+j.build.URL); err != nil {
		return err
	}
	manifest, err := e.retrieve(ctx, j)
	if err != nil {
		return err
	}

	// downloading -> fastboot_mode
	if j.cancelled.Load() {
		return ErrCancelled
	}
	if !inBootloader {
		if err := e.devices.RebootToBootloader(ctx, serial); err != nil {
			return err
		}
		e.emitLog(j, LogInfo, "rebooting to bootloader, the device may reconnect several times")
	}
	if err := e.waitBootloader(ctx, serial); err != nil {
		return err
	}
	if product, err := e.bootloader.GetVar(ctx, serial, "product"); err == nil && product != "" && product != j.build.Codename {
		return errors.Wrapf(ErrCodenameMismatch, "bootloader reports %s, build is for %s", product, j.build.Codename)
	}
	if err := e.transition(ctx, j, StateFastbootMode, progressDownloadEnd, "device in bootloader mode"); err != nil {
		return err
	}

	// fastboot_mode -> unlocking_bootloader?
	if err := e.unlockIfNeeded(ctx, j); err != nil {
		return err
	}

	// -> flashing
	if err := e.transition(ctx, j, StateFlashing, progressDownloadEnd,
		fmt.Sprintf("flashing %d partitions", manifest.Partitions())); err != nil {
		return err
	}
	if err := e.flashManifest(ctx, j, manifest); err != nil {
		return err
	}

	// flashing -> complete
	if err := e.bootloader.Reboot(ctx, serial, ""); err != nil {
		return errors.Wrap(err, "final reboot failed")
	}
	return e.transition(ctx, j, StateComplete, progressComplete, "flash complete, device is rebooting")
}

func (e *Executor) retrieve(ctx context.Context, j *job) (*Manifest, error) {
	lastPct := -1
	art, err := e.fetcher.Fetch(ctx, j.build, func(done, total int64) {
		if total <= 0 {
			return
		}
		frac := float64(done) / float64(total)
		if frac > 1 {
			frac = 1
		}
		pct := int(frac * 100)
		if pct == lastPct {
			return
		}
		lastPct = pct
		e.report(j, frac*progressDownloadEnd,
			fmt.Sprintf("downloaded %s of %s", humanize.Bytes(uint64(done)), humanize.Bytes(uint64(total))))
	})
	if err != nil {
		return nil, err
	}
	if j.build.Size > 0 && art.Size != j.build.Size {
		art.discard()
		return nil, errors.Wrapf(ErrIntegrityCheckFailed, "artifact size %d, expected %d", art.Size, j.build.Size)
	}
	manifest, err := e.unpacker.Prepare(ctx, art.Path, j.build.Codename)
	if err != nil {
		if errors.Is(err, ErrIntegrityCheckFailed) {
			art.discard()
		}
		return nil, err
	}
	e.report(j, progressDownloadEnd, "artifact verified")
	return manifest, nil
}

// waitBootloader polls with doubling delay until the device answers in
// bootloader mode.
func (e *Executor) waitBootloader(ctx context.Context, serial string) error {
	delay := e.settings.BootloaderBackoff
	for attempt := 1; attempt <= e.settings.BootloaderAttempts; attempt++ {
		if e.devices.IsInBootloaderMode(ctx, serial) {
			return nil
		}
		log.Debug().Str("serial", serial).Int("attempt", attempt).Dur("delay", delay).Msg("waiting for bootloader")
		if attempt == e.settings.BootloaderAttempts {
			break
		}
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > e.settings.BootloaderMaxDelay {
			delay = e.settings.BootloaderMaxDelay
		}
	}
	return errors.Wrapf(ErrBootloaderEntryTimeout, "%s after %d attempts", serial, e.settings.BootloaderAttempts)
}

func (e *Executor) unlockIfNeeded(ctx context.Context, j *job) error {
	serial := j.opts.DeviceSerial
	unlocked, err := e.bootloader.GetVar(ctx, serial, "unlocked")
	if err != nil {
		return err
	}
	if isYes(unlocked) {
		return nil
	}
	if j.opts.SkipUnlock {
		e.emitLog(j, LogWarn, "bootloader is locked and unlock was skipped, flashing may be rejected")
		return nil
	}
	if err := e.transition(ctx, j, StateUnlockingBootloader, progressDownloadEnd,
		"bootloader is locked, unlocking erases all user data"); err != nil {
		return err
	}
	if j.opts.Confirm == nil {
		return errors.Wrap(ErrUnlockNotConfirmed, "no operator confirmation available")
	}
	ok, err := j.opts.Confirm(ctx, fmt.Sprintf("Unlock the bootloader of %s? This erases all data on the device.", serial))
	if err != nil {
		return errors.Wrap(err, "confirm unlock")
	}
	if !ok {
		return ErrUnlockNotConfirmed
	}
	if err := e.bootloader.Unlock(ctx, serial); err != nil {
		if unlockNotAllowed(err.Error()) {
			return errors.Wrapf(ErrOEMUnlockDisabled, "%s: %v", serial, err)
		}
		return err
	}
	e.emitLog(j, LogInfo, "confirm the unlock on the device with the volume and power keys")
	for attempt := 1; attempt <= e.settings.UnlockAttempts; attempt++ {
		if v, err := e.bootloader.GetVar(ctx, serial, "unlocked"); err == nil && isYes(v) {
			e.emitLog(j, LogInfo, "bootloader unlocked")
			return nil
		}
		if attempt == e.settings.UnlockAttempts {
			break
		}
		if err := e.sleep(ctx, e.settings.UnlockInterval); err != nil {
			return err
		}
	}
	return errors.Wrapf(ErrUnlockTimeout, "%s after %d checks", serial, e.settings.UnlockAttempts)
}

// checkOEMUnlock requires "OEM unlocking" to be enabled in Developer options;
// fastboot refuses to unlock otherwise.
func (e *Executor) checkOEMUnlock(ctx context.Context, serial string) error {
	out, err := e.devices.Execute(ctx, serial, "getprop", "sys.oem_unlock_allowed")
	if err != nil {
		return errors.Wrap(err, "check OEM unlock status")
	}
	if v := strings.TrimSpace(out); v != "1" {
		return errors.Wrapf(ErrOEMUnlockDisabled,
			"sys.oem_unlock_allowed=%q: enable Settings > System > Developer options > OEM unlocking and connect to the internet once", v)
	}
	return nil
}

func unlockNotAllowed(output string) bool {
	return strings.Contains(strings.ToLower(output), "unlock is not allowed")
}

func isYes(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "true", "1":
		return true
	}
	return false
}

// flashManifest writes partitions in manifest order. A command in flight is
// never interrupted by Cancel.
func (e *Executor) flashManifest(ctx context.Context, j *job, m *Manifest) error {
	serial := j.opts.DeviceSerial
	total := m.Partitions()
	done := 0
	for _, step := range m.Steps {
		switch step.Kind {
		case StepRebootBootloader:
			if err := e.bootloader.Reboot(ctx, serial, "bootloader"); err != nil {
				return err
			}
			if err := e.waitBootloader(ctx, serial); err != nil {
				return err
			}
		default:
			e.emitLog(j, LogInfo, "flashing "+step.String())
			if err := e.bootloader.Flash(ctx, serial, step.Partition, step.Image, step.Args...); err != nil {
				return errors.Wrapf(err, "flash %s", step.Partition)
			}
			done++
			if total > 0 {
				span := progressFlashEnd - progressDownloadEnd
				e.report(j, progressDownloadEnd+span*float64(done)/float64(total),
					fmt.Sprintf("flashed %s (%d/%d)", step.Partition, done, total))
			}
		}
	}
	return nil
}
