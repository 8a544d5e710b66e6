package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/audit"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/config"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/gate"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/retry"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/signal"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/vault"
)

// proposal is the YAML document accepted by submit.
type proposal struct {
	ID         string               `yaml:"id"`
	Type       contracts.ActionType `yaml:"action_type"`
	Origin     string               `yaml:"origin"`
	MaxRetries int                  `yaml:"max_retries"`
	Payload    yaml.Node            `yaml:"payload"`
}

func (p proposal) request() (gate.SubmitRequest, error) {
	if p.Payload.Kind == 0 {
		return gate.SubmitRequest{}, fmt.Errorf("%w: missing payload", contracts.ErrPayloadInvalid)
	}
	payload, err := contracts.DecodePayload(p.Type, p.Payload.Decode)
	if err != nil {
		return gate.SubmitRequest{}, err
	}
	return gate.SubmitRequest{
		ID:         p.ID,
		Type:       p.Type,
		Payload:    payload,
		Origin:     p.Origin,
		MaxRetries: p.MaxRetries,
		Actor:      contracts.ActorReasoningEngine,
	}, nil
}

// withApp loads configuration, wires the engine without telemetry and runs fn.
func withApp(path string, stderr io.Writer, fn func(ctx context.Context, a *app) error) int {
	cfg, err := config.Load(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close()
	if err := fn(ctx, a); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// oneID parses flags and requires exactly one positional action id.
func oneID(name string, args []string, stderr io.Writer, register func(*flag.FlagSet)) (string, string, bool) {
	cmd, path := newFlagSet(name, stderr)
	if register != nil {
		register(cmd)
	}
	rest, err := parseArgs(cmd, args)
	if err != nil {
		return "", "", false
	}
	if len(rest) != 1 {
		_, _ = fmt.Fprintf(stderr, "Error: %s needs exactly one action id\n", name)
		return "", "", false
	}
	if !vault.ValidID(rest[0]) {
		_, _ = fmt.Fprintf(stderr, "Error: invalid action id %q\n", rest[0])
		return "", "", false
	}
	return rest[0], *path, true
}

func runSubmitCmd(args []string, stdout, stderr io.Writer) int {
	cmd, path := newFlagSet("submit", stderr)
	file := cmd.String("f", "", "Proposal YAML file (- for stdin)")
	if _, err := parseArgs(cmd, args); err != nil {
		return 2
	}
	if *file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -f is required")
		return 2
	}
	var data []byte
	var err error
	if *file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*file)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var p proposal
	if err := yaml.Unmarshal(data, &p); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: parse proposal: %v\n", err)
		return 2
	}
	req, err := p.request()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return withApp(*path, stderr, func(ctx context.Context, a *app) error {
		action, err := a.gate.Submit(ctx, req)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "%s %s (risk %s)\n", action.ID, action.Status, action.RiskLevel)
		return nil
	})
}

func runListCmd(args []string, stdout, stderr io.Writer) int {
	cmd, path := newFlagSet("list", stderr)
	status := cmd.String("status", "", "Only this status (default: every status)")
	if _, err := parseArgs(cmd, args); err != nil {
		return 2
	}
	statuses := contracts.AllStatuses
	if *status != "" {
		s := contracts.Status(*status)
		if !s.Valid() {
			_, _ = fmt.Fprintf(stderr, "Error: unknown status %q\n", *status)
			return 2
		}
		statuses = []contracts.Status{s}
	}
	return withApp(*path, stderr, func(ctx context.Context, a *app) error {
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tRISK\tUPDATED")
		for _, s := range statuses {
			for action, err := range a.store.ListByStatus(ctx, s) {
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", action.ID, action.Type, action.Status, action.RiskLevel, action.UpdatedAt.Format(time.RFC3339))
			}
		}
		return tw.Flush()
	})
}

func runShowCmd(args []string, stdout, stderr io.Writer) int {
	id, path, ok := oneID("show", args, stderr, nil)
	if !ok {
		return 2
	}
	return withApp(path, stderr, func(ctx context.Context, a *app) error {
		action, err := a.store.Read(ctx, id)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(action)
	})
}

// runDecideCmd writes a decision document into the vault. The running engine
// applies it on its next decision poll.
func runDecideCmd(verb string, args []string, stdout, stderr io.Writer) int {
	var by, reason *string
	id, path, ok := oneID(verb, args, stderr, func(f *flag.FlagSet) {
		by = f.String("by", currentUser(), "Who made the decision")
		reason = f.String("reason", "", "Reason (required for reject)")
	})
	if !ok {
		return 2
	}
	verdict := signal.VerdictApproved
	if verb == "reject" {
		verdict = signal.VerdictRejected
		if strings.TrimSpace(*reason) == "" {
			_, _ = fmt.Fprintln(stderr, "Error: reject requires -reason")
			return 2
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := signal.WriteDecision(cfg.VaultRoot, id, verdict, *by, *reason, time.Now()); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%s recorded for %s\n", verdict, id)
	return 0
}

func runRetryCmd(args []string, stdout, stderr io.Writer) int {
	var targets *string
	var by *string
	id, path, ok := oneID("retry", args, stderr, func(f *flag.FlagSet) {
		targets = f.String("target", "", "Comma-separated target ids (default: every failed target)")
		by = f.String("by", currentUser(), "Who requested the retry")
	})
	if !ok {
		return 2
	}
	var ids []string
	for _, t := range strings.Split(*targets, ",") {
		if t = strings.TrimSpace(t); t != "" {
			ids = append(ids, t)
		}
	}
	return withApp(path, stderr, func(ctx context.Context, a *app) error {
		action, err := a.dispatcher.RetryTargets(ctx, id, ids, *by)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "%s %s\n", action.ID, action.Status)
		return nil
	})
}

func runAbandonCmd(args []string, stdout, stderr io.Writer) int {
	var by, reason *string
	id, path, ok := oneID("abandon", args, stderr, func(f *flag.FlagSet) {
		by = f.String("by", currentUser(), "Who abandoned the action")
		reason = f.String("reason", "", "Why retrying stops (required)")
	})
	if !ok {
		return 2
	}
	if strings.TrimSpace(*reason) == "" {
		_, _ = fmt.Fprintln(stderr, "Error: abandon requires -reason")
		return 2
	}
	return withApp(path, stderr, func(ctx context.Context, a *app) error {
		action, err := a.dispatcher.Abandon(ctx, id, *by, *reason)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "%s %s\n", action.ID, action.Status)
		return nil
	})
}

func runResolveCmd(args []string, stdout, stderr io.Writer) int {
	var by, note *string
	id, path, ok := oneID("resolve", args, stderr, func(f *flag.FlagSet) {
		by = f.String("by", currentUser(), "Who resolved the action")
		note = f.String("note", "", "Resolution note")
	})
	if !ok {
		return 2
	}
	return withApp(path, stderr, func(ctx context.Context, a *app) error {
		action, err := a.dispatcher.Resolve(ctx, id, *by, *note)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "%s %s\n", action.ID, action.Status)
		return nil
	})
}

func runRecreateCmd(args []string, stdout, stderr io.Writer) int {
	var by *string
	id, path, ok := oneID("recreate", args, stderr, func(f *flag.FlagSet) {
		by = f.String("by", currentUser(), "Who re-proposed the action")
	})
	if !ok {
		return 2
	}
	return withApp(path, stderr, func(ctx context.Context, a *app) error {
		action, err := a.gate.Recreate(ctx, id, *by)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "%s %s (recreated from %s)\n", action.ID, action.Status, id)
		return nil
	})
}

func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	id, path, ok := oneID("audit", args, stderr, nil)
	if !ok {
		return 2
	}
	cfg, err := config.Load(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	records, err := audit.History(cfg.AuditDir, id)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintf(stderr, "Error: no audit records for %s\n", id)
		return 1
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tEVENT\tACTOR\tFROM\tTO")
	for _, r := range records {
		actor := string(r.Actor)
		if r.ActorID != "" {
			actor += ":" + r.ActorID
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Timestamp.Format(time.RFC3339), r.Event, actor, r.From, r.To)
	}
	return flushOr(tw, stderr)
}

func runPlanCmd(args []string, stdout, stderr io.Writer) int {
	cmd, path := newFlagSet("plan", stderr)
	action := cmd.String("action", "example", "Action id used to seed jitter")
	target := cmd.String("target", "target", "Target id used to seed jitter")
	if _, err := parseArgs(cmd, args); err != nil {
		return 2
	}
	cfg, err := config.Load(*path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	steps := cfg.Retry.Schedule(retry.Seed{ActionID: *action, TargetID: *target})
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ATTEMPT\tDELAY\tAT")
	for _, s := range steps {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t+%s\n", s.Attempt, s.Delay.Round(time.Millisecond), s.Offset.Round(time.Millisecond))
	}
	return flushOr(tw, stderr)
}

func flushOr(tw *tabwriter.Writer, stderr io.Writer) int {
	if err := tw.Flush(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func currentUser() string {
	for _, k := range []string{"ACTIONGATE_USER", "USER"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return "cli"
}
