// Command leakmon-convert reads a binary event log produced by
// leakmon-monitor and exports it as analyst-friendly tables: CSV files,
// a SQLite database, or a Postgres database. File outputs are written
// next to the input log.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kaelmon/leakmon/internal/convert"
)

var (
	flagInput    string
	flagCSV      bool
	flagSQLite   bool
	flagPostgres string
)

var rootCmd = &cobra.Command{
	Use:   "leakmon-convert",
	Short: "Convert a leakmon event log to relational tables",
	Long: `leakmon-convert projects a binary event log into the
ALLOCATION/STACKENTRY schema: one row per allocation (with its free, if
any, paired to the earliest unfreed allocation of the same pointer) and
one row per symbolized stack frame.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runConvert,
}

func init() {
	rootCmd.Flags().StringVar(&flagInput, "input", "", "path to the event log (required)")
	rootCmd.Flags().BoolVar(&flagCSV, "csv", false, "write allocation.csv and stackentry.csv next to the input")
	rootCmd.Flags().BoolVar(&flagSQLite, "sqlite", false, "write a SQLite database next to the input")
	rootCmd.Flags().StringVar(&flagPostgres, "postgres", "", "write into the Postgres database at this connection string")
}

func runConvert(cmd *cobra.Command, args []string) error {
	if flagInput == "" {
		return fmt.Errorf("--input is required")
	}
	if !flagCSV && !flagSQLite && flagPostgres == "" {
		return fmt.Errorf("select at least one output: --csv, --sqlite, or --postgres")
	}

	proj, err := convert.ProjectFile(flagInput)
	if err != nil {
		return err
	}

	if flagCSV {
		if err := convert.WriteCSV(proj, filepath.Dir(flagInput)); err != nil {
			return err
		}
	}
	if flagSQLite {
		if err := convert.WriteSQLite(proj, sqlitePath(flagInput)); err != nil {
			return err
		}
	}
	if flagPostgres != "" {
		if err := convert.WritePostgres(cmd.Context(), proj, flagPostgres); err != nil {
			return err
		}
	}
	return nil
}

// sqlitePath derives the database path from the input log: the same
// directory and base name, with a .sqlite extension.
func sqlitePath(input string) string {
	base := strings.TrimSuffix(input, filepath.Ext(input))
	return base + ".sqlite"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "leakmon-convert: %v\n", err)
		os.Exit(1)
	}
}
