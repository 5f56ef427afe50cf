package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dbxfer/dbxfer/internal/process"
	"github.com/dbxfer/dbxfer/internal/workdir"
)

// newRestoreCmd wires the restore verb group: dbxfer restore
// {schema|pre-data|post-data|parse-list}. The first three shell out to
// pg_restore against the archive dump wrote; parse-list filters a
// pg_restore --list archive-member listing by a regexp, the same trick
// pgcopydb uses to drop ACL/comment entries before replaying post-data.
func newRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "restore", Short: "Restore schema sections with pg_restore"}
	cmd.AddCommand(
		newRestoreSectionCmd("schema", ""),
		newRestoreSectionCmd("pre-data", "pre-data"),
		newRestoreSectionCmd("post-data", "post-data"),
		newParseListCmd(),
	)
	return cmd
}

func newRestoreSectionCmd(use, section string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Restore the %s section", use),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := workdir.NewPaths(cfg.Dir, false)
			in := filepath.Join(paths.SchemaDir, use+".dump")

			restoreArgs := []string{"--no-owner", "--no-privileges", "--exit-on-error"}
			if section != "" {
				restoreArgs = append(restoreArgs, "--section="+section)
			}
			restoreArgs = append(restoreArgs, "--dbname="+cfg.TargetPGURI, in)

			res := process.RunLogged(cmd.Context(), "pg_restore", restoreArgs...)
			if res.Err != nil {
				return fmt.Errorf("pg_restore %s: %w: %s", use, res.Err, res.Stderr)
			}
			return nil
		},
	}
}

func newParseListCmd() *cobra.Command {
	var exclude string
	c := &cobra.Command{
		Use:   "parse-list",
		Short: "Print an archive's pg_restore --list output, filtering out excluded entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("parse-list requires exactly one archive path")
			}
			res := process.RunLogged(cmd.Context(), "pg_restore", "--list", args[0])
			if res.Err != nil {
				return fmt.Errorf("pg_restore --list: %w: %s", res.Err, res.Stderr)
			}

			var re *regexp.Regexp
			if exclude != "" {
				var err error
				re, err = regexp.Compile(exclude)
				if err != nil {
					return fmt.Errorf("invalid --exclude pattern: %w", err)
				}
			}

			w := bufio.NewWriter(os.Stdout)
			defer w.Flush()
			sc := bufio.NewScanner(strings.NewReader(string(res.Stdout)))
			for sc.Scan() {
				line := sc.Text()
				if re != nil && re.MatchString(line) {
					continue
				}
				fmt.Fprintln(w, line)
			}
			return sc.Err()
		},
	}
	c.Flags().StringVar(&exclude, "exclude", "", "Drop archive-member lines matching this regexp (e.g. ACL|COMMENT)")
	return c
}
