package catalog_test

import (
	"testing"

	"github.com/dbxfer/dbxfer/internal/catalog"
)

func TestDistributeTablesBalances(t *testing.T) {
	tables := make([]catalog.SourceTable, 10)
	for i := range tables {
		tables[i] = catalog.SourceTable{Oid: uint32(i + 1), RelSizeBytes: int64(100 * (i + 1))}
	}
	out := catalog.DistributeTables(tables, 3, 1<<30)
	if len(out) != 3 {
		t.Fatalf("expected 3 workers, got %d", len(out))
	}
	var totals [3]int64
	for i, w := range out {
		for _, tbl := range w {
			totals[i] += tbl.RelSizeBytes
		}
	}
	max, min := totals[0], totals[0]
	for _, v := range totals[1:] {
		if v > max {
			max = v
		}
		if v < min {
			min = v
		}
	}
	if max-min > 100*10 {
		t.Fatalf("load imbalance too high: totals=%v", totals)
	}
}

func TestPlanPartsCoversRange(t *testing.T) {
	parts := catalog.PlanParts(0, 1000, 4)
	if len(parts) != 4 {
		t.Fatalf("expected 4 parts, got %d", len(parts))
	}
	if parts[0].MinValue != 0 {
		t.Fatalf("first part should start at 0, got %d", parts[0].MinValue)
	}
	if !parts[len(parts)-1].IsLast || parts[len(parts)-1].MaxValue != 1000 {
		t.Fatalf("last part should end at 1000, got %+v", parts[len(parts)-1])
	}
	for i := 1; i < len(parts); i++ {
		if parts[i].MinValue != parts[i-1].MaxValue {
			t.Fatalf("gap between parts %d and %d: %+v %+v", i-1, i, parts[i-1], parts[i])
		}
	}
}

func TestPlanPartsSingleWhenNotSplittable(t *testing.T) {
	parts := catalog.PlanParts(0, 1000, 1)
	if len(parts) != 1 || !parts[0].IsLast {
		t.Fatalf("expected a single last part, got %+v", parts)
	}
}
