package risk

import (
	"go-engage/compliance"
	"go-engage/model"
)

// Route maps a total score onto a routing decision. It is pure: the same
// score and thresholds always give the same decision.
func Route(total float64, th model.RoutingThresholds) model.RoutingDecision {
	switch {
	case total <= th.AutoApproveMax:
		return model.AutoApprove
	case total <= th.ReviewMax:
		return model.HumanReview
	default:
		return model.AutoDiscard
	}
}

// Decide applies the compliance overrides on top of Route. It returns the
// decision and a note for each override that fired.
func Decide(total float64, th model.RoutingThresholds, check compliance.Result) (model.RoutingDecision, []string) {
	decision := Route(total, th)
	var notes []string

	if check.HardFailure() {
		if decision != model.AutoDiscard {
			notes = append(notes, "compliance hard failure forces auto_discard")
		}
		return model.AutoDiscard, notes
	}
	if decision == model.AutoApprove && check.ProductMentioned {
		notes = append(notes, "protected product mention forces human_review")
		decision = model.HumanReview
	}
	if decision == model.AutoApprove && check.EmpathyFlagged {
		notes = append(notes, "empathy-required topic forces human_review")
		decision = model.HumanReview
	}
	return decision, notes
}
