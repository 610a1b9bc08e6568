package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/sentinel/pkg/arbitration"
	"github.com/Mindburn-Labs/sentinel/pkg/authority"
	"github.com/Mindburn-Labs/sentinel/pkg/config"
	"github.com/Mindburn-Labs/sentinel/pkg/ledger"
	"github.com/Mindburn-Labs/sentinel/pkg/ledger/index"
	"github.com/Mindburn-Labs/sentinel/pkg/observability"
	"github.com/Mindburn-Labs/sentinel/pkg/policy"
	"github.com/Mindburn-Labs/sentinel/pkg/recovery"
	"github.com/Mindburn-Labs/sentinel/pkg/restoration"
	"github.com/Mindburn-Labs/sentinel/pkg/restoration/restorationtest"
	"github.com/Mindburn-Labs/sentinel/pkg/supervisor"
)

// Plan is a scripted task for `sentinel simulate`.
type Plan struct {
	Task string `yaml:"task"`
	// Approve answers every human confirmation request.
	Approve bool       `yaml:"approve"`
	Steps   []PlanStep `yaml:"steps"`
}

type PlanStep struct {
	Action   string `yaml:"action"`
	App      string `yaml:"app"`
	Role     string `yaml:"role"`
	Label    string `yaml:"label"`
	HighRisk bool   `yaml:"high_risk"`
	// Fail makes the simulated executor report an error for this step.
	Fail string `yaml:"fail"`
}

func loadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if p.Task == "" {
		return nil, fmt.Errorf("plan %s: task is required", path)
	}
	if len(p.Steps) == 0 {
		return nil, fmt.Errorf("plan %s: at least one step is required", path)
	}
	for i := range p.Steps {
		if p.Steps[i].Action == "" {
			p.Steps[i].Action = "click"
		}
	}
	return &p, nil
}

func (p *Plan) actions() []supervisor.Action {
	out := make([]supervisor.Action, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, supervisor.Action{
			Name:     s.Action,
			Target:   policy.Descriptor{RoleName: s.Role, Name: s.Label, App: s.App},
			HighRisk: s.HighRisk,
			Params:   map[string]any{"fail": s.Fail},
		})
	}
	return out
}

type planner struct {
	actions []supervisor.Action
	next    int
}

func (p *planner) Next(context.Context) (supervisor.Action, bool, error) {
	if p.next >= len(p.actions) {
		return supervisor.Action{}, false, nil
	}
	a := p.actions[p.next]
	p.next++
	return a, true, nil
}

// desktopExecutor drives the in-memory desktop the way a real executor
// would disturb the operator's session: it moves the cursor and steals focus.
type desktopExecutor struct {
	desk  *restorationtest.Backend
	steps int
}

func (e *desktopExecutor) Execute(_ context.Context, act supervisor.Action) (map[string]any, error) {
	e.steps++
	if msg, _ := act.Params["fail"].(string); msg != "" {
		return nil, errors.New(msg)
	}
	at := restoration.Cursor{X: 40 * e.steps, Y: 30 * e.steps}
	e.desk.Set(at, "work")
	return map[string]any{"cursor": []int{at.X, at.Y}, "focus": "work"}, nil
}

type staticConfirmer bool

func (c staticConfirmer) Confirm(context.Context, supervisor.Action, policy.Result) (bool, error) {
	return bool(c), nil
}

type simulateReport struct {
	Task       string `json:"task"`
	Reason     string `json:"reason"`
	Steps      int    `json:"steps"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	Error      string `json:"error,omitempty"`
	RestoreErr string `json:"restore_error,omitempty"`
	VerifyErr  string `json:"verify_error,omitempty"`
	Recovery   string `json:"boot,omitempty"`
	LedgerHead string `json:"ledger_head"`
	Ledger     string `json:"ledger"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// newSimulateCommand runs a scripted plan through the full kernel against an
// in-memory desktop. Exits 1 unless the run completes and the desktop is
// restored and verified.
func newSimulateCommand(root *rootOptions) *cobra.Command {
	var planPath string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted plan through the kernel against an in-memory desktop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := loadPlan(planPath)
			if err != nil {
				return err
			}
			rep, err := simulate(cmd.Context(), root.cfg, plan, slog.Default())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if root.JSON {
				if err := writeJSON(out, rep); err != nil {
					return err
				}
			} else {
				if rep.Recovery != "" {
					printf(out, "boot: %s\n", rep.Recovery)
				}
				printf(out, "%s: %s after %d steps\n", rep.Task, rep.Reason, rep.Steps)
				for _, e := range []string{rep.Error, rep.RestoreErr, rep.VerifyErr} {
					if e != "" {
						printf(out, "  %s\n", e)
					}
				}
				printf(out, "ledger %s head %s\n", rep.Ledger, rep.LedgerHead)
			}
			if rep.Reason != string(supervisor.Completed) || rep.RestoreErr != "" || rep.VerifyErr != "" {
				return checkFailed("run did not complete cleanly: %s", rep.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "plan YAML")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func simulate(ctx context.Context, cfg *config.Config, plan *Plan, logger *slog.Logger) (*simulateReport, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	obs, err := observability.New(ctx, cfg.Observability())
	if err != nil {
		return nil, err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer scancel()
		if err := obs.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	ledgerOpts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithSigningSeed(cfg.SigningSeed),
		ledger.WithMirror(obs),
	}
	if cfg.AuditIndexDSN != "" {
		idx, err := index.Open(ctx, cfg.AuditIndexDSN)
		if err != nil {
			return nil, err
		}
		defer func() { _ = idx.Close() }()
		ledgerOpts = append(ledgerOpts, ledger.WithMirror(idx))
	}
	led, err := ledger.Open(cfg.LedgerPath, ledgerOpts...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = led.Close() }()

	profile, err := cfg.Profile()
	if err != nil {
		return nil, err
	}
	oracle, err := policy.NewOracle(profile)
	if err != nil {
		return nil, err
	}
	arb, err := arbitration.New(cfg.Arbitration(), arbitration.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	ctl := authority.NewController(authority.WithLogger(logger))
	state := recovery.NewStore(cfg.StatePath, recovery.WithLogger(logger))

	desk := restorationtest.NewBackend()
	desk.AddWindow("home", "operator", restoration.Application{ProcessName: "shell", PID: 1})
	desk.AddWindow("work", "automation target", restoration.Application{ProcessName: "editor", PID: 2})
	desk.Set(restoration.Cursor{X: 100, Y: 100}, "home")
	feed := restorationtest.NewFeed()

	kernel, err := supervisor.NewKernel(supervisor.Deps{
		Controller: ctl,
		Arbitrator: arb,
		Oracle:     oracle,
		Ledger:     led,
		State:      state,
		Backend:    desk,
		Feed:       feed,
	},
		supervisor.WithLogger(logger),
		supervisor.WithMetrics(obs),
		supervisor.WithRateLimit(cfg.ActionsPerSecond, 1),
		supervisor.WithHeartbeatTimeout(cfg.HeartbeatTimeout),
		supervisor.WithRestorationOptions(
			restoration.WithLogger(logger),
			restoration.WithSettleDelay(cfg.SettleDelay),
			restoration.WithCursorTolerance(cfg.CursorTolerance),
		),
	)
	if err != nil {
		return nil, err
	}

	go kernel.Watch(ctx, cfg.WatchdogInterval)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)
	defer signal.Stop(sigs)
	go arbitration.WatchSignals(ctx, arb, sigs)

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opt)
		defer func() { _ = client.Close() }()
		trigger := arbitration.NewRedisTrigger(client, arbitration.DefaultReclaimChannel, arb)
		go func() {
			if err := trigger.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("reclaim trigger stopped", "error", err)
			}
		}()
	}

	rep := &simulateReport{Task: plan.Task, Ledger: cfg.LedgerPath}
	boot, err := kernel.Recover(ctx)
	if boot.Pessimistic {
		rep.Recovery = boot.Reason
	}
	if err != nil {
		return nil, err
	}

	ctl.UpdateVisionStatus(feed.Read().Available)
	if err := ctl.Arm("simulate " + plan.Task); err != nil {
		return nil, err
	}

	out := kernel.Run(ctx, supervisor.Run{
		Task:      plan.Task,
		Planner:   &planner{actions: plan.actions()},
		Executor:  &desktopExecutor{desk: desk},
		Confirmer: staticConfirmer(plan.Approve),
	})
	rep.Reason = string(out.Reason)
	rep.Steps = out.Steps
	rep.SnapshotID = out.SnapshotID
	rep.Error = errString(out.Err)
	rep.RestoreErr = errString(out.RestoreErr)
	rep.VerifyErr = errString(out.VerifyErr)

	if _, err := led.Seal("simulation finished: " + rep.Reason); err != nil {
		return nil, err
	}
	rep.LedgerHead = led.Head()
	return rep, nil
}
