// Package risk decides whether an action needs human approval before it is
// dispatched, and assigns the risk level reported in the audit trail.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
)

// Assessment is the classifier verdict for one proposed action.
type Assessment struct {
	Level            contracts.RiskLevel
	RequiresApproval bool
	Irreversible     bool
	// MatchedRule names the rule that decided, empty for type defaults.
	MatchedRule string
}

// Classifier assesses proposed actions.
type Classifier interface {
	Classify(ctx context.Context, t contracts.ActionType, p contracts.Payload) (Assessment, error)
}

// TypeDefault is the assessment used when no rule matches.
type TypeDefault struct {
	Level            contracts.RiskLevel `yaml:"level"`
	RequiresApproval bool                `yaml:"requires_approval"`
}

// Rule is a CEL expression over action_type (string) and payload (map).
// The first matching rule wins.
type Rule struct {
	Name             string              `yaml:"name"`
	When             string              `yaml:"when"`
	Level            contracts.RiskLevel `yaml:"level"`
	RequiresApproval bool                `yaml:"requires_approval"`
}

// Config is injected into the classifier at construction.
type Config struct {
	Defaults map[contracts.ActionType]TypeDefault `yaml:"defaults"`
	Rules    []Rule                               `yaml:"rules"`
	// Irreversible flags further types as never auto-retried.
	Irreversible []contracts.ActionType `yaml:"irreversible"`
}

// DefaultConfig requires approval for every action type.
func DefaultConfig() Config {
	return Config{
		Defaults: map[contracts.ActionType]TypeDefault{
			contracts.ActionSendMessage: {Level: contracts.RiskMedium, RequiresApproval: true},
			contracts.ActionPublishPost: {Level: contracts.RiskHigh, RequiresApproval: true},
			contracts.ActionSendPayment: {Level: contracts.RiskHigh, RequiresApproval: true},
		},
		Rules: []Rule{
			{
				Name:             "large-payment",
				When:             `action_type == "send_payment" && payload.amount_minor > 100000`,
				Level:            contracts.RiskCritical,
				RequiresApproval: true,
			},
		},
	}
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// RuleClassifier evaluates compiled CEL rules, falling back to per-type defaults.
type RuleClassifier struct {
	defaults     map[contracts.ActionType]TypeDefault
	rules        []compiledRule
	irreversible map[contracts.ActionType]bool
}

// NewRuleClassifier compiles every rule up front so bad expressions fail at startup.
func NewRuleClassifier(cfg Config) (*RuleClassifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("action_type", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("risk: create CEL environment: %w", err)
	}

	c := &RuleClassifier{
		defaults:     cfg.Defaults,
		irreversible: make(map[contracts.ActionType]bool),
	}
	for _, t := range cfg.Irreversible {
		c.irreversible[t] = true
	}
	for i, r := range cfg.Rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
			r.Name = name
		}
		ast, issues := env.Compile(r.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("risk: compile %s: %w", name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("risk: rule %s must return bool, got %s", name, ast.OutputType())
		}
		prg, err := env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
		if err != nil {
			return nil, fmt.Errorf("risk: program %s: %w", name, err)
		}
		c.rules = append(c.rules, compiledRule{Rule: r, prg: prg})
	}
	return c, nil
}

// Irreversible reports whether t is never auto-retried.
func (c *RuleClassifier) Irreversible(t contracts.ActionType) bool {
	return t.Irreversible() || c.irreversible[t]
}

// Classify implements Classifier. Irreversible types always require approval.
func (c *RuleClassifier) Classify(ctx context.Context, t contracts.ActionType, p contracts.Payload) (Assessment, error) {
	if err := ctx.Err(); err != nil {
		return Assessment{}, err
	}
	input, err := activation(t, p)
	if err != nil {
		return Assessment{}, err
	}

	a, err := c.evaluate(t, input)
	if err != nil {
		return Assessment{}, err
	}
	if c.Irreversible(t) {
		a.Irreversible = true
		a.RequiresApproval = true
	}
	return a, nil
}

func (c *RuleClassifier) evaluate(t contracts.ActionType, input map[string]any) (Assessment, error) {
	for _, r := range c.rules {
		out, _, err := r.prg.Eval(input)
		if err != nil {
			// A rule that cannot see the field it tests does not match.
			if isMissingKey(err) {
				continue
			}
			return Assessment{}, fmt.Errorf("risk: eval %s: %w", r.Name, err)
		}
		if matched, ok := out.Value().(bool); ok && matched {
			return Assessment{Level: r.Level, RequiresApproval: r.RequiresApproval, MatchedRule: r.Name}, nil
		}
	}
	if d, ok := c.defaults[t]; ok {
		return Assessment{Level: d.Level, RequiresApproval: d.RequiresApproval}, nil
	}
	// Unknown types fail closed.
	return Assessment{Level: contracts.RiskHigh, RequiresApproval: true}, nil
}

func activation(t contracts.ActionType, p contracts.Payload) (map[string]any, error) {
	payload := map[string]any{}
	if p != nil {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("risk: encode payload: %w", err)
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("risk: decode payload: %w", err)
		}
	}
	return map[string]any{
		"action_type": string(t),
		"payload":     payload,
	}, nil
}

func isMissingKey(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such key") || strings.Contains(msg, "no such attribute")
}
