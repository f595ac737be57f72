package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/papapumpkin/indentbot/internal/config"
	"github.com/papapumpkin/indentbot/internal/mediawiki"
	"github.com/papapumpkin/indentbot/internal/rules"
	"github.com/papapumpkin/indentbot/internal/state"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config, rules file, state database and wiki API",
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().Bool("offline", false, "skip the wiki API check")
	rootCmd.AddCommand(validateCmd)
}

var (
	tick  = color.GreenString("✓")
	cross = color.RedString("✗")
	bang  = color.YellowString("!")
)

func runValidate(cmd *cobra.Command, _ []string) error {
	offline, _ := cmd.Flags().GetBool("offline")
	out := cmd.ErrOrStderr()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(out, "%s config: %v\n", cross, err)
		return fmt.Errorf("validation failed")
	}
	fmt.Fprintf(out, "%s config valid\n", tick)
	for _, w := range cfg.Warnings() {
		fmt.Fprintf(out, "  %s %s\n", bang, w)
	}

	ok := true
	check := func(name string, err error, good string) {
		if err != nil {
			fmt.Fprintf(out, "%s %s: %v\n", cross, name, err)
			ok = false
			return
		}
		fmt.Fprintf(out, "%s %s\n", tick, good)
	}

	if rs, err := rules.Load(cfg.RulesFile); err != nil {
		check("rules", err, "")
	} else {
		check("rules", nil, fmt.Sprintf("rules loaded from %s (%d namespaces)", cfg.RulesFile, len(rs.Namespaces)))
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	check("state", checkState(ctx, cfg.StateDB), "state database "+cfg.StateDB+" opens")

	if !offline {
		check("wiki", checkWiki(ctx, out, cfg), "wiki API reachable at "+cfg.Site.APIURL)
	}

	if !ok {
		return fmt.Errorf("validation failed")
	}
	return nil
}

func checkState(ctx context.Context, path string) error {
	s, err := state.Open(ctx, path)
	if err != nil {
		return err
	}
	return s.Close()
}

func checkWiki(ctx context.Context, out io.Writer, cfg config.Config) error {
	c, err := mediawiki.New(mediawiki.Options{APIURL: cfg.Site.APIURL, UserAgent: cfg.Site.UserAgent})
	if err != nil {
		return err
	}
	now, err := c.ServerTime(ctx)
	if err != nil {
		return err
	}
	if skew := time.Since(now); skew > time.Minute || skew < -time.Minute {
		fmt.Fprintf(out, "  %s local clock differs from the wiki by %s\n", bang, skew.Round(time.Second))
	}
	return nil
}
