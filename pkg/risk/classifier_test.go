package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
)

func TestRuleClassifier_Defaults(t *testing.T) {
	c, err := NewRuleClassifier(DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	a, err := c.Classify(ctx, contracts.ActionPublishPost, contracts.PostPayload{Platforms: []string{"x"}, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskHigh, a.Level)
	assert.True(t, a.RequiresApproval)
	assert.False(t, a.Irreversible)
	assert.Empty(t, a.MatchedRule)

	a, err = c.Classify(ctx, contracts.ActionSendPayment, contracts.PaymentPayload{Payee: "acme", AmountMinor: 250000, Currency: "EUR"})
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskCritical, a.Level)
	assert.Equal(t, "large-payment", a.MatchedRule)
	assert.True(t, a.Irreversible)

	a, err = c.Classify(ctx, contracts.ActionSendPayment, contracts.PaymentPayload{Payee: "acme", AmountMinor: 500, Currency: "EUR"})
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskHigh, a.Level)
}

func TestRuleClassifier_RuleCanSkipApproval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules = append([]Rule{{
		Name:  "internal-chat",
		When:  `action_type == "send_message" && payload.channels.all(c, c == "chat") && size(payload.to) == 1`,
		Level: contracts.RiskLow,
	}}, cfg.Rules...)
	c, err := NewRuleClassifier(cfg)
	require.NoError(t, err)

	a, err := c.Classify(context.Background(), contracts.ActionSendMessage, contracts.MessagePayload{
		Channels: []string{"chat"}, To: []string{"ops"}, Body: "deploy done",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskLow, a.Level)
	assert.False(t, a.RequiresApproval)
	assert.Equal(t, "internal-chat", a.MatchedRule)
}

func TestRuleClassifier_IrreversibleAlwaysNeedsApproval(t *testing.T) {
	cfg := Config{
		Defaults: map[contracts.ActionType]TypeDefault{
			contracts.ActionPublishPost: {Level: contracts.RiskLow},
			contracts.ActionSendPayment: {Level: contracts.RiskLow},
		},
		Irreversible: []contracts.ActionType{contracts.ActionPublishPost},
	}
	c, err := NewRuleClassifier(cfg)
	require.NoError(t, err)

	for _, tc := range []struct {
		t contracts.ActionType
		p contracts.Payload
	}{
		{contracts.ActionPublishPost, contracts.PostPayload{Platforms: []string{"x"}, Text: "hi"}},
		{contracts.ActionSendPayment, contracts.PaymentPayload{Payee: "acme", AmountMinor: 1, Currency: "USD"}},
	} {
		a, err := c.Classify(context.Background(), tc.t, tc.p)
		require.NoError(t, err)
		assert.True(t, a.RequiresApproval, tc.t)
		assert.True(t, a.Irreversible, tc.t)
	}
}

func TestRuleClassifier_UnknownTypeFailsClosed(t *testing.T) {
	c, err := NewRuleClassifier(Config{})
	require.NoError(t, err)
	a, err := c.Classify(context.Background(), contracts.ActionType("fax"), nil)
	require.NoError(t, err)
	assert.True(t, a.RequiresApproval)
}

func TestNewRuleClassifier_RejectsBadRules(t *testing.T) {
	_, err := NewRuleClassifier(Config{Rules: []Rule{{Name: "broken", When: `action_type ==`}}})
	assert.Error(t, err)

	_, err = NewRuleClassifier(Config{Rules: []Rule{{Name: "not-bool", When: `action_type`}}})
	assert.ErrorContains(t, err, "must return bool")
}
