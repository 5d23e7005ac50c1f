// Package runner is the entry point for bot scripts: it connects to the relay
// as an observer of the configured identity, waits for the agent's first
// snapshot and executes the script under the run supervisor, journaling the
// outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/workspace/botrelay/internal/actions"
	"github.com/workspace/botrelay/internal/client"
	"github.com/workspace/botrelay/internal/config"
	"github.com/workspace/botrelay/internal/retry"
	"github.com/workspace/botrelay/internal/runlog"
	"github.com/workspace/botrelay/internal/supervisor"
	"github.com/workspace/botrelay/internal/wait"
)

// ErrNoIdentity is returned when RELAY_IDENTITY is not configured.
var ErrNoIdentity = errors.New("runner: RELAY_IDENTITY is required")

// Options customizes a run beyond what the environment configures.
type Options struct {
	// Hooks replace supervisor.DefaultHooks when non-nil.
	Hooks []supervisor.Hook
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Run executes script toward goal against the agent named by
// cfg.RelayIdentity. The returned error covers setup only (journal, relay
// connection, first snapshot); the script's own outcome is in the report.
func Run(ctx context.Context, cfg *config.Config, goal string, script supervisor.Script, opts Options) (supervisor.Report, error) {
	if cfg.RelayIdentity == "" {
		return supervisor.Report{}, ErrNoIdentity
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hooks := opts.Hooks
	if hooks == nil {
		hooks = supervisor.DefaultHooks()
	}

	journal, err := runlog.Open(cfg.RunlogDBPath)
	if err != nil {
		return supervisor.Report{}, fmt.Errorf("open run journal: %w", err)
	}
	defer journal.Close()

	retryCfg := retry.DefaultConfig()
	retryCfg.Logger = logger
	c, err := client.Dial(ctx, client.Config{
		URL:        cfg.RelayURL,
		Identity:   cfg.RelayIdentity,
		Token:      cfg.RelayToken,
		Retry:      retryCfg,
		Reconnect:  cfg.RelayReconnect,
		SendBuffer: cfg.ObserverSendBuffer,
		Logger:     logger,
	})
	if err != nil {
		return supervisor.Report{}, fmt.Errorf("connect to relay: %w", err)
	}

	if _, err := wait.For(ctx, c, cfg.RunStallTimeout, func(wait.Frame) bool { return true }, wait.IncludeCurrent()); err != nil {
		_ = c.Close()
		return supervisor.Report{}, fmt.Errorf("waiting for first snapshot of %s: %w", cfg.RelayIdentity, err)
	}

	rep := supervisor.Execute(ctx, supervisor.Config{
		Goal:         goal,
		Identity:     cfg.RelayIdentity,
		TimeLimit:    cfg.RunTimeLimit,
		StallTimeout: cfg.RunStallTimeout,
		PollInterval: cfg.RunPollInterval,
		HookInterval: cfg.RunHookInterval,
		Commander:    c,
		Actions: actions.Config{
			ShortTimeout:           cfg.ActionShortTimeout,
			LongTimeout:            cfg.ActionLongTimeout,
			DialogMinIntervalTicks: int64(cfg.DialogDismissMinTicks),
			DialogOpenForTicks:     int64(cfg.DialogDismissAfterTicks),
			Logger:                 logger,
		},
		Hooks:    hooks,
		Cleanup:  c.Close,
		Recorder: journal,
		Logger:   logger,
	}, script)
	return rep, nil
}
