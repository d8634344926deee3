package classify

import "time"

// Domain is the top-level taxonomy axis assigned by the classifier.
type Domain string

const (
	DomainObra           Domain = "obra"
	DomainFinanceiro     Domain = "financeiro"
	DomainContrato       Domain = "contrato"
	DomainAdministrativo Domain = "administrativo"
)

// Category is the second taxonomy axis. The set is closed; anything the
// classifier returns outside of it is coerced to CategoryOutro.
type Category string

const (
	CategoryPagamento   Category = "pagamento"
	CategoryOrcamento   Category = "orcamento"
	CategoryMedicao     Category = "medicao"
	CategorySeguranca   Category = "seguranca"
	CategoryContrato    Category = "contrato"
	CategoryPrazo       Category = "prazo"
	CategoryQualidade   Category = "qualidade"
	CategoryRegulatorio Category = "regulatorio"
	CategoryDuvida      Category = "duvida"
	CategoryOutro       Category = "outro"
)

// Urgency as reported by the classifier.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Entities is the structured bag extracted from the message body.
type Entities struct {
	MonetaryValues         []float64 `json:"monetary_values"`
	Dates                  []string  `json:"dates"`
	References             []string  `json:"references"`
	IsSafetyIncident       bool      `json:"is_safety_incident"`
	IsContractModification bool      `json:"is_contract_modification"`
	IsRegulatorySubmission bool      `json:"is_regulatory_submission"`
}

// Result is one classification outcome for a message. Results are never
// edited in place; reclassification writes a new row and supersedes the old
// one so the decision trail stays intact.
type Result struct {
	ID               string
	MessageID        string
	Domain           Domain
	Category         Category
	Subcategory      string
	Confidence       float64
	Urgency          Urgency
	Summary          string
	Entities         Entities
	SuggestedActions []string
	TargetAgent      string
	CreatedAt        time.Time
}

func isValidDomain(d Domain) bool {
	switch d {
	case DomainObra, DomainFinanceiro, DomainContrato, DomainAdministrativo:
		return true
	default:
		return false
	}
}

func isValidCategory(c Category) bool {
	switch c {
	case CategoryPagamento, CategoryOrcamento, CategoryMedicao, CategorySeguranca,
		CategoryContrato, CategoryPrazo, CategoryQualidade, CategoryRegulatorio,
		CategoryDuvida, CategoryOutro:
		return true
	default:
		return false
	}
}

func isValidUrgency(u Urgency) bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	default:
		return false
	}
}
