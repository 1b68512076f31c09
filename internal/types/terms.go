package types

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// Deal types determine which commercial terms are required on a deal and on
// every offer made against it.
const (
	DealTypeCPA     = "CPA"
	DealTypeRebates = "REBATES"
	DealTypeHybrid  = "HYBRID"
	DealTypePnl     = "PNL"
)

const maxCPATiers = 5

// CPATier is a single deposit/payout tier of a CPA structure.
type CPATier struct {
	TierName      string  `json:"tier_name"`
	DepositAmount float64 `json:"deposit_amount"`
	CPAAmount     float64 `json:"cpa_amount"`
}

// CPATerms describes a cost-per-acquisition structure.
type CPATerms struct {
	Tiers        []CPATier `json:"tiers"`
	FTDsPerMonth int       `json:"ftds_per_month,omitempty"`
}

// RebateTerms describes a volume rebate structure.
type RebateTerms struct {
	RebatePerLot       float64 `json:"rebate_per_lot"`
	ExpectedVolumeLots float64 `json:"expected_volume_lots"`
}

// PnlTerms describes a profit-and-loss share structure.
type PnlTerms struct {
	PnlPercentage float64 `json:"pnl_percentage"`
}

// Terms is the variant payload carried by deals, bids and negotiation rounds.
// Exactly the variants required by the deal type may be set; validation is a
// switch over the type, never free-form field access.
type Terms struct {
	CPA    *CPATerms    `json:"cpa,omitempty"`
	Rebate *RebateTerms `json:"rebate,omitempty"`
	Pnl    *PnlTerms    `json:"pnl,omitempty"`
}

// ToJSON serializes the terms for storage in a JSON column.
func (t *Terms) ToJSON() (datatypes.JSON, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}

// TermsFromJSON deserializes a stored terms column.
func TermsFromJSON(data datatypes.JSON) (*Terms, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var t Terms
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ValidateDealType checks the deal type tag itself.
func ValidateDealType(dealType string) error {
	switch dealType {
	case DealTypeCPA, DealTypeRebates, DealTypeHybrid, DealTypePnl:
		return nil
	default:
		return NewValidationError("unknown deal type: %s", dealType)
	}
}

// ValidateTerms checks that the terms carry exactly the shape required by the
// deal type. A REBATES deal cannot carry CPA tiers, and vice versa.
func ValidateTerms(dealType string, t *Terms) error {
	if t == nil {
		return NewValidationError("terms are required")
	}

	switch dealType {
	case DealTypeCPA:
		if t.Rebate != nil || t.Pnl != nil {
			return NewValidationError("CPA deals accept only CPA terms")
		}
		return validateCPA(t.CPA)

	case DealTypeRebates:
		if t.CPA != nil || t.Pnl != nil {
			return NewValidationError("REBATES deals accept only rebate terms")
		}
		return validateRebate(t.Rebate)

	case DealTypeHybrid:
		if t.Pnl != nil {
			return NewValidationError("HYBRID deals accept only CPA and rebate terms")
		}
		if err := validateCPA(t.CPA); err != nil {
			return err
		}
		return validateRebate(t.Rebate)

	case DealTypePnl:
		if t.CPA != nil || t.Rebate != nil {
			return NewValidationError("PNL deals accept only a percentage share")
		}
		return validatePnl(t.Pnl)

	default:
		return NewValidationError("unknown deal type: %s", dealType)
	}
}

func validateCPA(cpa *CPATerms) error {
	if cpa == nil {
		return NewValidationError("CPA terms are required")
	}
	if len(cpa.Tiers) < 1 || len(cpa.Tiers) > maxCPATiers {
		return NewValidationError("CPA terms require between 1 and %d tiers", maxCPATiers)
	}
	for i, tier := range cpa.Tiers {
		if tier.DepositAmount <= 0 {
			return NewValidationError("CPA tier %d requires a positive deposit amount", i+1)
		}
		if tier.CPAAmount <= 0 {
			return NewValidationError("CPA tier %d requires a positive CPA amount", i+1)
		}
	}
	if cpa.FTDsPerMonth < 0 {
		return NewValidationError("FTDs per month cannot be negative")
	}
	return nil
}

func validateRebate(rebate *RebateTerms) error {
	if rebate == nil {
		return NewValidationError("rebate terms are required")
	}
	if rebate.RebatePerLot <= 0 {
		return NewValidationError("rebate per lot must be positive")
	}
	if rebate.ExpectedVolumeLots <= 0 {
		return NewValidationError("expected volume must be positive")
	}
	return nil
}

func validatePnl(pnl *PnlTerms) error {
	if pnl == nil {
		return NewValidationError("PNL terms are required")
	}
	if pnl.PnlPercentage <= 0 || pnl.PnlPercentage > 100 {
		return NewValidationError("PNL percentage must be in (0, 100]")
	}
	return nil
}
