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
	uploadKind     string
	uploadCategory string
	uploadKey      string
	uploadName     string
	uploadQuality  string
	planQuality    string
)

var planCmd = &cobra.Command{
	Use:   "plan <size>",
	Short: "Print the upload plan for a payload size such as 50m or 1.5g",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := docgen.ParseBytes(args[0])
		if err != nil {
			return err
		}
		q, err := docgen.ParseQuality(planQuality)
		if err != nil {
			return err
		}
		plan := cfg.PlannerConfig().Plan(size, q)
		fmt.Fprintf(cmd.OutOrStdout(), "size=%d chunking=%t part_size=%d parallelism=%d parts=%d\n",
			size, plan.UseChunking, plan.PartSize, plan.Parallelism, plan.PartCount(size))
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Publish a template or document to the object store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if uploadCategory == "" {
			return errors.New("--category is required")
		}
		if uploadKind != docgen.KindTemplates && uploadKind != docgen.KindDocuments {
			return fmt.Errorf("--kind must be %s or %s", docgen.KindTemplates, docgen.KindDocuments)
		}
		q, err := docgen.ParseQuality(uploadQuality)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		name := uploadName
		if name == "" {
			name = filepath.Base(args[0])
		}
		return withService(cmd, func(ctx context.Context, svc *docgen.Service) error {
			info, err := svc.Uploader().Publish(ctx, uploadKind, uploadCategory, uploadKey, name, data, q)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d bytes\n", info.Key, info.Size)
			return nil
		})
	},
}

func init() {
	planCmd.Flags().StringVar(&planQuality, "quality", "", "Connection hint: slow or fast")

	uploadCmd.Flags().StringVar(&uploadKind, "kind", docgen.KindTemplates, "Key space: templates or documents")
	uploadCmd.Flags().StringVar(&uploadCategory, "category", "", "Category (required)")
	uploadCmd.Flags().StringVar(&uploadKey, "key", "", "Template key within the category, e.g. a country code")
	uploadCmd.Flags().StringVar(&uploadName, "name", "", "Original file name kept in metadata (default: file base name)")
	uploadCmd.Flags().StringVar(&uploadQuality, "quality", "", "Connection hint: slow or fast")
}
