package orchestrator

import (
	"fmt"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// progressSet renders one mpb bar per table being copied concurrently,
// adapted from rsync.RunParallel's single transfer bar into one bar per
// worker since table-data copy parallelizes over tables, not over chunks of
// one file.
type progressSet struct {
	p *mpb.Progress
}

func newProgressSet(enabled bool) *progressSet {
	if !enabled {
		return &progressSet{}
	}
	return &progressSet{p: mpb.New(mpb.WithWidth(40), mpb.WithRefreshRate(150*time.Millisecond))}
}

// bar adds a row-count bar for one table. totalRows may be an estimate;
// mpb just won't reach 100% early if the estimate is short.
func (s *progressSet) bar(name string, totalRows int64) *mpb.Bar {
	if s.p == nil {
		return nil
	}
	prefix := name + " "
	return s.p.New(totalRows,
		mpb.BarStyle().Rbound("|").Lbound("|"),
		mpb.PrependDecorators(decor.Name(prefix, decor.WC{W: len(prefix), C: decor.DSyncWidth}), decor.Percentage()),
		mpb.AppendDecorators(decor.Any(func(st decor.Statistics) string {
			return fmt.Sprintf("%d / %d rows", st.Current, st.Total)
		})))
}

func (s *progressSet) wait() {
	if s.p != nil {
		s.p.Wait()
	}
}
