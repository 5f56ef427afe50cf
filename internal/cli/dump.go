package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dbxfer/dbxfer/internal/process"
	"github.com/dbxfer/dbxfer/internal/workdir"
)

// newDumpCmd wires the dump verb group: dbxfer dump {schema|pre-data|post-data}.
// Each subcommand shells out to pg_dump, the way the teacher wraps external
// tools through internal/process, writing a custom-format archive into the
// work directory's schema subdirectory so restore can consume it later.
func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "dump", Short: "Dump source schema sections with pg_dump"}
	cmd.AddCommand(
		newDumpSectionCmd("schema", ""),
		newDumpSectionCmd("pre-data", "pre-data"),
		newDumpSectionCmd("post-data", "post-data"),
	)
	return cmd
}

func newDumpSectionCmd(use, section string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Dump the %s section", use),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := workdir.NewPaths(cfg.Dir, false)
			if err := paths.Prepare(); err != nil {
				return err
			}
			out := filepath.Join(paths.SchemaDir, use+".dump")
			dumpArgs := []string{"--format=custom", "--no-owner", "--no-privileges", "--file=" + out}
			if section != "" {
				dumpArgs = append(dumpArgs, "--section="+section)
			}
			dumpArgs = append(dumpArgs, "--dbname="+cfg.SourcePGURI)

			res := process.RunLogged(cmd.Context(), "pg_dump", dumpArgs...)
			if res.Err != nil {
				return fmt.Errorf("pg_dump %s: %w: %s", use, res.Err, res.Stderr)
			}
			return nil
		},
	}
}
