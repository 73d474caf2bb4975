package disputes

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func ptr(v int64) *int64 { return &v }

func TestCalculateDisputeCostBoundaries(t *testing.T) {
	tests := []struct {
		name     string
		value    *int64
		monthly  int
		wantCost int64
		wantFree bool
	}{
		{"just under $100", ptr(9900), 10, 0, true},
		{"exactly $100", ptr(10000), 5, 510, false},
		{"under monthly threshold", ptr(50000), 3, 0, true},
		{"fourth free dispute", ptr(50000), 4, 0, true},
		{"charged", ptr(50000), 6, 550, false},
		{"capped", ptr(10000000), 10, 5000, false},
		{"at cap boundary", ptr(4500000), 5, 5000, false},
		{"below cap", ptr(4499999), 5, 4999, false},
		{"nil value", nil, 6, 0, true},
		{"negative value", ptr(-500000), 9, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, free := CalculateDisputeCost(tt.value, tt.monthly)
			if cost != tt.wantCost || free != tt.wantFree {
				t.Errorf("CalculateDisputeCost = (%d, %v), want (%d, %v)", cost, free, tt.wantCost, tt.wantFree)
			}
		})
	}
}

func TestCalculateDisputeCostProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("free exactly when cost is zero", prop.ForAll(
		func(v int64, n int) bool {
			cost, free := CalculateDisputeCost(&v, n)
			return free == (cost == 0)
		},
		gen.Int64Range(0, 1_000_000_000), gen.IntRange(0, 100),
	))

	properties.Property("charged cost stays within base and cap", prop.ForAll(
		func(v int64, n int) bool {
			cost, free := CalculateDisputeCost(&v, n)
			return free || (cost >= BaseDisputeFee && cost <= MaxDisputeFee)
		},
		gen.Int64Range(0, 1_000_000_000), gen.IntRange(0, 100),
	))

	properties.Property("under five disputes a month is always free", prop.ForAll(
		func(v int64, n int) bool {
			_, free := CalculateDisputeCost(&v, n)
			return free
		},
		gen.Int64Range(0, 1_000_000_000), gen.IntRange(0, FreeMonthlyDisputes-1),
	))

	properties.Property("cost never decreases as value grows", prop.ForAll(
		func(v, delta int64, n int) bool {
			a, _ := CalculateDisputeCost(&v, n)
			w := v + delta
			b, _ := CalculateDisputeCost(&w, n)
			return b >= a
		},
		gen.Int64Range(0, 100_000_000), gen.Int64Range(0, 100_000_000), gen.IntRange(0, 100),
	))

	properties.Property("deterministic", prop.ForAll(
		func(v int64, n int) bool {
			c1, f1 := CalculateDisputeCost(&v, n)
			c2, f2 := CalculateDisputeCost(&v, n)
			return c1 == c2 && f1 == f2
		},
		gen.Int64Range(0, 1_000_000_000), gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
