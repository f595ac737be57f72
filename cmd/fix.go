package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/indentbot/internal/config"
	"github.com/papapumpkin/indentbot/internal/indent"
	"github.com/papapumpkin/indentbot/internal/rules"
	"github.com/papapumpkin/indentbot/internal/wikitext"
)

var fixCmd = &cobra.Command{
	Use:   "fix [file|-]",
	Short: "Fix the indentation of a local wikitext file",
	Long: `Runs the indentation fixer over a file (or stdin when the argument is
omitted or "-") and prints the result. The score is written to stderr.

With --write the file is rewritten in place when anything changed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFix,
}

func init() {
	fixCmd.Flags().BoolP("write", "w", false, "rewrite the file in place")
	fixCmd.Flags().Bool("json", false, "print the score as JSON")
	rootCmd.AddCommand(fixCmd)
}

// fixReport is the score summary printed by fix.
type fixReport struct {
	Score      indent.Score `json:"score"`
	Total      int          `json:"total"`
	Normalized float64      `json:"normalized"`
	Rounds     int          `json:"rounds"`
	Aborted    string       `json:"aborted,omitempty"`
}

func runFix(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	rs, err := rules.Load(cfg.RulesFile)
	if err != nil {
		return err
	}

	path := "-"
	if len(args) == 1 {
		path = args[0]
	}
	write, _ := cmd.Flags().GetBool("write")
	asJSON, _ := cmd.Flags().GetBool("json")
	if write && path == "-" {
		return fmt.Errorf("--write needs a file argument")
	}

	text, err := readInput(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}
	fixer, err := indent.NewFixer(cfg.IndentOptions(), wikitext.New(rs.TableTemplates...))
	if err != nil {
		return err
	}
	res := fixer.Fix(text)

	switch {
	case write && res.Changed():
		if err := os.WriteFile(path, []byte(res.Text), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	case !write:
		if _, err := io.WriteString(cmd.OutOrStdout(), res.Text); err != nil {
			return err
		}
	}
	return printFixReport(cmd.ErrOrStderr(), res, len(text), asJSON)
}

func readInput(stdin io.Reader, path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(b), nil
}

func printFixReport(w io.Writer, res indent.Result, n int, asJSON bool) error {
	r := fixReport{
		Score:      res.Score,
		Total:      res.Score.Total(),
		Normalized: res.Score.Normalized(n),
		Rounds:     res.Rounds,
	}
	if res.Aborted != nil {
		r.Aborted = res.Aborted.Error()
	}
	if asJSON {
		return json.NewEncoder(w).Encode(r)
	}
	if r.Aborted != "" {
		_, err := fmt.Fprintf(w, "✗ not fixed: %s\n", r.Aborted)
		return err
	}
	_, err := fmt.Fprintf(w, "gaps=%d extra_indent=%d markup=%d final_char=%d total=%d normalized=%.2f rounds=%d\n",
		r.Score.Gaps, r.Score.ExtraIndent, r.Score.Markup, r.Score.FinalChar, r.Total, r.Normalized, r.Rounds)
	return err
}
