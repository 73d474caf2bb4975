package disputes

// Fee schedule, in credits.
const (
	FreeValueThreshold  int64 = 10000 // stated value in cents below which filing is free
	FreeMonthlyDisputes       = 5     // disputes per calendar month filed free of charge
	BaseDisputeFee      int64 = 500
	MaxDisputeFee       int64 = 5000
	EscalationFee       int64 = 2000
)

// CalculateDisputeCost returns the filing fee for a dispute over a
// transaction of statedValueCents when the claimant has already filed
// disputesThisMonth disputes this calendar month. A nil value counts as zero.
// The fee is 500 plus 100 per $1000 of stated value, capped at 5000.
func CalculateDisputeCost(statedValueCents *int64, disputesThisMonth int) (cost int64, free bool) {
	var v int64
	if statedValueCents != nil && *statedValueCents > 0 {
		v = *statedValueCents
	}
	if v < FreeValueThreshold || disputesThisMonth < FreeMonthlyDisputes {
		return 0, true
	}
	return min(MaxDisputeFee, BaseDisputeFee+v/1000), false
}
