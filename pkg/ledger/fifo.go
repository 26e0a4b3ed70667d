package ledger

import "sort"

// ConsumptionPlan is the outcome of walking a user's grants for one debit.
type ConsumptionPlan struct {
	Available     Credits
	Allocations   []Allocation
	FromExpiring  Credits
	FromPermanent Credits
	// NextExpiryUnixUTC is the earliest expiry among grants that keep a remainder (0 when none do).
	NextExpiryUnixUTC int64
}

// PlanConsumption takes amount from the soonest-expiring active grants first.
// Permanent grants carry the most distant expiry so they are drawn last.
// It fails with InsufficientBalanceError when the active grants do not cover amount.
func PlanConsumption(grants []CreditGrant, amount PositiveCredits, atUnixUTC int64) (ConsumptionPlan, error) {
	active := make([]CreditGrant, 0, len(grants))
	var available int64
	for _, grant := range grants {
		if !grant.IsActive(atUnixUTC) {
			continue
		}
		active = append(active, grant)
		available += grant.Remaining().Int64()
	}
	if available < amount.Int64() {
		return ConsumptionPlan{Available: Credits(available)}, InsufficientBalanceError{
			Available: Credits(available),
			Requested: amount.ToCredits(),
		}
	}
	sortGrantsForConsumption(active)

	plan := ConsumptionPlan{Available: Credits(available)}
	needed := amount.Int64()
	for _, grant := range active {
		remaining := grant.Remaining().Int64()
		if needed == 0 {
			plan.NextExpiryUnixUTC = earliestExpiry(plan.NextExpiryUnixUTC, grant.ExpiresUnixUTC())
			continue
		}
		taken := min(remaining, needed)
		needed -= taken
		plan.Allocations = append(plan.Allocations, Allocation{
			GrantID:   grant.GrantID(),
			Amount:    PositiveCredits(taken),
			Permanent: grant.IsPermanent(),
		})
		if grant.IsPermanent() {
			plan.FromPermanent += Credits(taken)
		} else {
			plan.FromExpiring += Credits(taken)
		}
		if taken < remaining {
			plan.NextExpiryUnixUTC = earliestExpiry(plan.NextExpiryUnixUTC, grant.ExpiresUnixUTC())
		}
	}
	return plan, nil
}

// NextExpiry returns the earliest expiry among active grants (0 when there are none).
func NextExpiry(grants []CreditGrant, atUnixUTC int64) int64 {
	var next int64
	for _, grant := range grants {
		if grant.IsActive(atUnixUTC) {
			next = earliestExpiry(next, grant.ExpiresUnixUTC())
		}
	}
	return next
}

// SumRemaining adds up the remaining credits of active grants.
func SumRemaining(grants []CreditGrant, atUnixUTC int64) Credits {
	var total int64
	for _, grant := range grants {
		if grant.IsActive(atUnixUTC) {
			total += grant.Remaining().Int64()
		}
	}
	return Credits(total)
}

func sortGrantsForConsumption(grants []CreditGrant) {
	sort.SliceStable(grants, func(left, right int) bool {
		if grants[left].ExpiresUnixUTC() != grants[right].ExpiresUnixUTC() {
			return grants[left].ExpiresUnixUTC() < grants[right].ExpiresUnixUTC()
		}
		if grants[left].GrantedUnixUTC() != grants[right].GrantedUnixUTC() {
			return grants[left].GrantedUnixUTC() < grants[right].GrantedUnixUTC()
		}
		return grants[left].GrantID().String() < grants[right].GrantID().String()
	})
}

func earliestExpiry(current int64, candidate int64) int64 {
	if current == 0 || candidate < current {
		return candidate
	}
	return current
}
