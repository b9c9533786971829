package deliverer

import (
	"context"

	"github.com/loomworks/loom/pkg/contracts"
	"github.com/loomworks/loom/pkg/models"
)

// DefaultReferenceUSD is the budget at which an opportunity scores full
// marks on the budget axis.
const DefaultReferenceUSD = 500

// BudgetScorer scores opportunities on budget with a small boost for
// preferred tags. Budget dominates: a well-paying opportunity with no
// tag overlap still clears most thresholds.
type BudgetScorer struct {
	// ReferenceUSD saturates the budget axis. 0 falls back to
	// DefaultReferenceUSD.
	ReferenceUSD float64

	// PreferredTags earn a boost proportional to how many of them the
	// opportunity carries.
	PreferredTags []string
}

var _ contracts.Scorer = (*BudgetScorer)(nil)

// Score returns a value in [0,1]. An opportunity with no stated budget
// gets a low floor rather than zero so it can still pass a permissive
// threshold.
func (s *BudgetScorer) Score(ctx context.Context, opp models.Opportunity) (float64, error) {
	ref := s.ReferenceUSD
	if ref <= 0 {
		ref = DefaultReferenceUSD
	}

	budget := opp.BudgetUSD / ref
	if budget > 1 {
		budget = 1
	}
	if opp.BudgetUSD <= 0 {
		budget = 0.1
	}

	boost := 0.0
	if len(s.PreferredTags) > 0 {
		have := make(map[string]bool, len(opp.Tags))
		for _, t := range opp.Tags {
			have[t] = true
		}
		matched := 0
		for _, t := range s.PreferredTags {
			if have[t] {
				matched++
			}
		}
		boost = float64(matched) / float64(len(s.PreferredTags))
	}

	return 0.8*budget + 0.2*boost, nil
}
