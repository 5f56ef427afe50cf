package orchestrator

import (
	"os"

	"github.com/dbxfer/dbxfer/internal/catalog"
	"github.com/dbxfer/dbxfer/internal/summary"
	"github.com/dbxfer/dbxfer/internal/workdir"
)

func fileDone(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func markDone(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return f.Close()
}

func writeSnapshotFile(path, id string) error {
	return os.WriteFile(path, []byte(id+"\n"), 0o644)
}

// writeIndexLists groups indexes by table and writes one .idxlist file per
// table, skipping tables that have no indexes.
func writeIndexLists(paths *workdir.Paths, indexes []catalog.SourceIndex) error {
	byTable := map[uint32][][2]uint32{}
	for _, idx := range indexes {
		byTable[idx.TableOid] = append(byTable[idx.TableOid], [2]uint32{idx.Oid, idx.ConstraintOid})
	}
	for tableOid, pairs := range byTable {
		if err := summary.WriteTableIndexList(paths.TableIndexListPath(tableOid), pairs); err != nil {
			return err
		}
	}
	return nil
}
