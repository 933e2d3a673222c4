package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"docgen/internal/docgen"

	"github.com/spf13/cobra"
)

var (
	fetchOutput string
	clearAll    bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <category> [key]",
	Short: "Resolve a template through the cache and write it to disk",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		category, key := args[0], optionalArg(args, 1)
		return withService(cmd, func(ctx context.Context, svc *docgen.Service) error {
			ent, err := svc.Cache().GetTemplate(ctx, category, key)
			if err != nil {
				return err
			}
			out := fetchOutput
			if out == "" {
				out = filepath.Base(ent.FileName)
			}
			if err := os.WriteFile(out, ent.Content, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d bytes\n", ent.ObjectKey, out, len(ent.Content))
			return nil
		})
	},
}

var warmCmd = &cobra.Command{
	Use:   "warm [category...]",
	Short: "Cache every template of the given categories (all when none given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(ctx context.Context, svc *docgen.Service) error {
			cats := args
			if len(cats) == 0 {
				var err error
				if cats, err = svc.Cache().Categories(ctx); err != nil {
					return err
				}
			}
			var errs []error
			for _, cat := range cats {
				n, err := svc.Cache().Warm(ctx, cat)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d ready\n", cat, n)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", cat, err))
				}
			}
			return errors.Join(errs...)
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear [category]",
	Short: "Remove cached templates of a category, or all with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !clearAll {
			return errors.New("give a category or --all")
		}
		return withService(cmd, func(ctx context.Context, svc *docgen.Service) error {
			var (
				n   int
				err error
			)
			if clearAll {
				n, err = svc.Cache().ClearAll()
			} else {
				n, err = svc.Cache().Clear(args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
			return err
		})
	},
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchOutput, "output", "o", "", "Output file (default: original template name)")
	clearCmd.Flags().BoolVar(&clearAll, "all", false, "Clear every category")
}

func optionalArg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
