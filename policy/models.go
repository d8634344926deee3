// Package policy computes the approval tier for candidate actions by layering
// a deterministic rule set on top of the probabilistic classifier output.
package policy

import "commflow/classify"

// RiskLevel is the category/rule-driven severity rating, distinct from and
// able to override classifier confidence.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Tier is the gating policy applied to a proposed action, ordered from least
// to most restrictive.
type Tier string

const (
	TierAutoExecute    Tier = "auto_execute"
	TierAutoNotify     Tier = "auto_notify"
	TierReviewRequired Tier = "review_required"
	TierEscalate       Tier = "escalate"
	TierManualOnly     Tier = "manual_only"
)

var tierRank = map[Tier]int{
	TierAutoExecute:    0,
	TierAutoNotify:     1,
	TierReviewRequired: 2,
	TierEscalate:       3,
	TierManualOnly:     4,
}

// maxRisk returns the more restrictive of two risk levels.
func maxRisk(a, b RiskLevel) RiskLevel {
	if riskRank[b] > riskRank[a] {
		return b
	}
	return a
}

// maxTier returns the more restrictive of two tiers.
func maxTier(a, b Tier) Tier {
	if tierRank[b] > tierRank[a] {
		return b
	}
	return a
}

// RuleInput is what deterministic rules may inspect: the extracted entity bag
// plus whether the resolver matched the message to a business entity.
type RuleInput struct {
	Entities      classify.Entities
	EntityMatched bool
}

// Rule is a pure predicate over the rule input with an optional risk and/or
// tier override. Overrides can only tighten the outcome: all matching rules
// are merged by taking the most restrictive risk and the most restrictive
// explicitly-set tier.
type Rule struct {
	Name  string
	Match func(RuleInput) bool
	Risk  RiskLevel // "" means no risk override
	Tier  Tier      // "" means no explicit tier
}

// CandidateAction is one registered action type for a category with its base
// risk level.
type CandidateAction struct {
	Type        string
	BaseRisk    RiskLevel
	Description string
}

// Proposal is one candidate state-changing operation derived from a
// classification result, with its computed risk and tier.
type Proposal struct {
	Type         string
	Risk         RiskLevel
	Tier         Tier
	Description  string
	AutoApproved bool
	MatchedRules []string
}
