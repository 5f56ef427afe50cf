package catalog

import "sort"

// TablePart is one numbered slice of a table's primary key range, copied by
// a single worker so a huge table can still use every --table-jobs worker
// instead of pinning one worker to it for the whole run.
type TablePart struct {
	Number   int
	MinValue int64 // inclusive
	MaxValue int64 // exclusive
	IsLast   bool
}

// PlanParts splits [minVal, maxVal) into n evenly sized ranges over a
// table's partition key, the numeric-range analogue of pgcopydb's
// --split-tables-larger-than. Returns a single part covering
// [minVal, maxVal) when n<=1 or maxVal<=minVal.
func PlanParts(minVal, maxVal int64, n int) []TablePart {
	if n <= 1 || maxVal <= minVal {
		return []TablePart{{Number: 0, MinValue: minVal, MaxValue: maxVal, IsLast: true}}
	}

	span := maxVal - minVal
	step := span / int64(n)
	if step == 0 {
		step = 1
	}

	parts := make([]TablePart, 0, n)
	cur := minVal
	for i := 0; i < n; i++ {
		next := cur + step
		last := i == n-1
		if last || next > maxVal {
			next = maxVal
		}
		parts = append(parts, TablePart{Number: i, MinValue: cur, MaxValue: next, IsLast: last})
		cur = next
	}
	return parts
}

// DistributeTables assigns whole tables to worker slots, generalizing
// rsync.Distribute's best-fit/round-robin hybrid from balancing file sizes
// across rsync workers to balancing table byte sizes across copy workers:
// large tables (above splitThreshold) go to the least-loaded worker
// (best-fit), small tables round-robin to avoid the O(workers) scan for the
// common case of many small tables.
func DistributeTables(tables []SourceTable, workers int, splitThreshold int64) [][]SourceTable {
	if workers <= 0 {
		return nil
	}
	out := make([][]SourceTable, workers)
	if len(tables) == 0 {
		return out
	}

	sort.Slice(tables, func(i, j int) bool { return tables[i].RelSizeBytes > tables[j].RelSizeBytes })

	totals := make([]int64, workers)
	cur := 0
	for _, t := range tables {
		if t.RelSizeBytes > splitThreshold {
			minWorker := 0
			for i := 1; i < workers; i++ {
				if totals[i] < totals[minWorker] {
					minWorker = i
				}
			}
			out[minWorker] = append(out[minWorker], t)
			totals[minWorker] += t.RelSizeBytes
		} else {
			out[cur] = append(out[cur], t)
			totals[cur] += t.RelSizeBytes
			cur = (cur + 1) % workers
		}
	}
	return out
}
