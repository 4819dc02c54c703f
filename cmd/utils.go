package main

import (
	"context"
	"strings"

	flashagent "github.com/httprunner/FlashAgent"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// newAgent loads settings, applies the root flag overrides and builds an
// agent. Callers own Dispose.
func newAgent() (*flashagent.Agent, error) {
	settings, err := flashagent.LoadSettings()
	if err != nil {
		return nil, err
	}
	settings.FastbootPath = firstNonEmpty(rootFastboot, settings.FastbootPath)
	settings.CacheDir = firstNonEmpty(rootCacheDir, settings.CacheDir)
	settings.HistoryDBPath = firstNonEmpty(rootHistoryDB, settings.HistoryDBPath)
	return flashagent.New(flashagent.Config{Settings: settings})
}

// withDevices builds an agent and runs one registry poll so the device table
// is populated for one-shot commands.
func withDevices(ctx context.Context, fn func(*flashagent.Agent) error) error {
	agent, err := newAgent()
	if err != nil {
		return err
	}
	defer agent.Dispose()
	if err := agent.Registry().Poll(ctx); err != nil {
		return err
	}
	return fn(agent)
}
