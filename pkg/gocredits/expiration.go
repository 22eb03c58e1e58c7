package gocredits

// RenewalResult is the outcome of combining a prior subscription balance with a new allocation
type RenewalResult struct {
	// NewBalance is the subscription balance after renewal
	NewBalance int

	// ExpiredAmount is the part of the prior balance that is forfeited
	ExpiredAmount int

	// Granted is the part of the new allocation that is actually credited.
	// It is below the allocation only when a rollover cap truncates it.
	Granted int
}

// ApplyRenewal combines currentBalance with newAllocation according to mode.
// maxRollover nil means no cap. A cap below newAllocation is raised to newAllocation
// so a fresh cycle always holds its full allocation.
//
// The ledger writes Granted as a subscription entry and -ExpiredAmount as an
// expiration entry, so that NewBalance = currentBalance - ExpiredAmount + Granted.
func ApplyRenewal(currentBalance, newAllocation int, mode ExpirationMode, maxRollover *int) RenewalResult {
	if currentBalance < 0 {
		currentBalance = 0
	}
	if newAllocation < 0 {
		newAllocation = 0
	}

	if mode != ExpirationNever {
		return RenewalResult{
			NewBalance:    newAllocation,
			ExpiredAmount: currentBalance,
			Granted:       newAllocation,
		}
	}

	total := currentBalance + newAllocation
	if maxRollover == nil {
		return RenewalResult{NewBalance: total, Granted: newAllocation}
	}

	limit := *maxRollover
	if limit < newAllocation {
		limit = newAllocation
	}
	newBalance := total
	if newBalance > limit {
		newBalance = limit
	}

	expired := currentBalance - newBalance
	if expired < 0 {
		expired = 0
	}
	forgone := total - newBalance - expired
	return RenewalResult{
		NewBalance:    newBalance,
		ExpiredAmount: expired,
		Granted:       newAllocation - forgone,
	}
}

// ApplyPlanRenewal runs ApplyRenewal with the plan's allocation, mode and rollover cap
func ApplyPlanRenewal(plan *Plan, currentBalance int) RenewalResult {
	var capPtr *int
	if limit, ok := plan.RolloverCap(); ok {
		capPtr = &limit
	}
	return ApplyRenewal(currentBalance, plan.CreditsPerCycle, plan.ExpirationMode, capPtr)
}

// ShouldWarn reports whether a user on plan should be told that credits expire soon.
// A nil plan never warns.
func ShouldWarn(plan *Plan, daysUntilExpiration int) bool {
	if plan == nil || plan.ExpirationMode == ExpirationNever {
		return false
	}
	return daysUntilExpiration <= plan.WarningDaysBeforeExpiration
}

// CancellationForfeit returns the subscription credits lost when a subscription ends
func CancellationForfeit(plan *Plan, subscriptionBalance int) int {
	if plan != nil && plan.ExpirationMode == ExpirationNever {
		return 0
	}
	return subscriptionBalance
}
