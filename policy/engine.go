package policy

import (
	"commflow/classify"
	"commflow/resolve"
)

// Config is the immutable rule set and category catalog handed to the engine
// at construction. Rules apply in declaration order; the catalog maps each
// category to its candidate action types.
type Config struct {
	Rules   []Rule
	Catalog map[classify.Category][]CandidateAction
}

// HighValueThreshold is the monetary amount above which an action is never
// auto-executed on confidence alone.
const HighValueThreshold = 50_000.0

// DefaultConfig returns the production rule set and action catalog.
func DefaultConfig() Config {
	return Config{
		Rules: []Rule{
			{
				Name: "high_monetary_value",
				Match: func(in RuleInput) bool {
					for _, v := range in.Entities.MonetaryValues {
						if v > HighValueThreshold {
							return true
						}
					}
					return false
				},
				Risk: RiskHigh,
			},
			{
				Name:  "safety_incident",
				Match: func(in RuleInput) bool { return in.Entities.IsSafetyIncident },
				Risk:  RiskCritical,
				Tier:  TierEscalate,
			},
			{
				Name:  "contract_modification",
				Match: func(in RuleInput) bool { return in.Entities.IsContractModification },
				Risk:  RiskCritical,
				Tier:  TierManualOnly,
			},
			{
				Name:  "regulatory_submission",
				Match: func(in RuleInput) bool { return in.Entities.IsRegulatorySubmission },
				Risk:  RiskHigh,
				Tier:  TierEscalate,
			},
			{
				Name:  "unresolved_entity",
				Match: func(in RuleInput) bool { return !in.EntityMatched },
				Tier:  TierReviewRequired,
			},
		},
		Catalog: map[classify.Category][]CandidateAction{
			classify.CategoryPagamento: {
				{Type: "register_invoice", BaseRisk: RiskMedium, Description: "Registrar fatura recebida"},
				{Type: "notify_finance", BaseRisk: RiskLow, Description: "Notificar financeiro"},
			},
			classify.CategoryOrcamento: {
				{Type: "notify_finance", BaseRisk: RiskLow, Description: "Notificar financeiro sobre orçamento"},
			},
			classify.CategoryMedicao: {
				{Type: "create_task", BaseRisk: RiskMedium, Description: "Criar tarefa de conferência de medição"},
			},
			classify.CategorySeguranca: {
				{Type: "create_incident", BaseRisk: RiskHigh, Description: "Registrar ocorrência de segurança"},
				{Type: "notify_project_manager", BaseRisk: RiskLow, Description: "Notificar gestor da obra"},
			},
			classify.CategoryContrato: {
				{Type: "flag_contract_review", BaseRisk: RiskHigh, Description: "Sinalizar revisão contratual"},
			},
			classify.CategoryPrazo: {
				{Type: "update_task_due_date", BaseRisk: RiskMedium, Description: "Atualizar prazo de tarefa"},
				{Type: "create_task", BaseRisk: RiskLow, Description: "Criar tarefa de acompanhamento"},
			},
			classify.CategoryQualidade: {
				{Type: "create_task", BaseRisk: RiskLow, Description: "Criar tarefa de qualidade"},
			},
			classify.CategoryRegulatorio: {
				{Type: "flag_contract_review", BaseRisk: RiskMedium, Description: "Sinalizar exigência regulatória"},
			},
			classify.CategoryDuvida: {
				{Type: "notify_project_manager", BaseRisk: RiskLow, Description: "Encaminhar dúvida ao gestor"},
			},
			classify.CategoryOutro: {
				{Type: "notify_project_manager", BaseRisk: RiskLow, Description: "Encaminhar mensagem ao gestor"},
			},
		},
	}
}

// ActionTypes returns every action type referenced by the catalog, for
// startup validation against the dispatcher registry.
func (c Config) ActionTypes() []string {
	seen := make(map[string]struct{})
	types := make([]string, 0, 8)
	for _, candidates := range c.Catalog {
		for _, ca := range candidates {
			if _, ok := seen[ca.Type]; ok {
				continue
			}
			seen[ca.Type] = struct{}{}
			types = append(types, ca.Type)
		}
	}
	return types
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Decision is the merged outcome of the rule pass plus the confidence
// thresholds for one candidate action.
type Decision struct {
	Risk         RiskLevel
	Tier         Tier
	MatchedRules []string
}

// Decide computes the approval tier for one candidate action. Every matching
// rule's override is applied; risk is the primary driver and the tier is
// re-derived from the final risk unless a rule set a tier explicitly, in
// which case the most restrictive explicit tier wins.
func (e *Engine) Decide(baseRisk RiskLevel, confidence float64, in RuleInput) Decision {
	risk := baseRisk
	var explicitTier Tier
	var matched []string

	for _, rule := range e.cfg.Rules {
		if !rule.Match(in) {
			continue
		}
		matched = append(matched, rule.Name)
		if rule.Risk != "" {
			risk = maxRisk(risk, rule.Risk)
		}
		if rule.Tier != "" {
			if explicitTier == "" {
				explicitTier = rule.Tier
			} else {
				explicitTier = maxTier(explicitTier, rule.Tier)
			}
		}
	}

	// An explicit rule tier wins over the risk-derived tier, but can only
	// tighten what confidence alone would have produced.
	var tier Tier
	if explicitTier != "" {
		tier = maxTier(explicitTier, confidenceTier(confidence))
	} else {
		tier = deriveTier(risk, confidence)
	}

	return Decision{Risk: risk, Tier: tier, MatchedRules: matched}
}

// deriveTier maps risk and confidence to a tier. Critical risk never executes
// automatically regardless of confidence; high risk always routes to the
// supervisory queue.
func deriveTier(risk RiskLevel, confidence float64) Tier {
	switch risk {
	case RiskCritical:
		return TierManualOnly
	case RiskHigh:
		return TierEscalate
	}
	return confidenceTier(confidence)
}

func confidenceTier(confidence float64) Tier {
	switch {
	case confidence >= 0.90:
		return TierAutoExecute
	case confidence >= 0.75:
		return TierAutoNotify
	case confidence >= 0.60:
		return TierReviewRequired
	case confidence >= 0.40:
		return TierEscalate
	default:
		return TierManualOnly
	}
}

// Propose derives one proposal per candidate action registered for the
// result's category. A proposal whose tier is auto_execute is flagged for
// creation in approved status; all others start pending.
func (e *Engine) Propose(result classify.Result, resolution resolve.Resolution) []Proposal {
	candidates := e.cfg.Catalog[result.Category]
	if len(candidates) == 0 {
		return nil
	}

	in := RuleInput{
		Entities:      result.Entities,
		EntityMatched: resolution.Matched,
	}

	proposals := make([]Proposal, 0, len(candidates))
	for _, ca := range candidates {
		decision := e.Decide(ca.BaseRisk, result.Confidence, in)
		proposals = append(proposals, Proposal{
			Type:         ca.Type,
			Risk:         decision.Risk,
			Tier:         decision.Tier,
			Description:  ca.Description,
			AutoApproved: decision.Tier == TierAutoExecute,
			MatchedRules: decision.MatchedRules,
		})
	}
	return proposals
}
