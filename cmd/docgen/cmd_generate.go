package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"docgen/internal/docgen"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	rowsPath     string
	orderFlag    []string
	outputPath   string
	templatePath string
	uploadResult bool
	qualityFlag  string
)

// rowFile is the YAML (or JSON) input of fill and generate. A bare list of
// records is accepted as well.
type rowFile struct {
	Order   []string           `yaml:"order"`
	Records []docgen.RowRecord `yaml:"records"`
}

func loadRows(path string) (rowFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return rowFile{}, err
	}
	var rf rowFile
	if err := yaml.Unmarshal(b, &rf); err == nil && len(rf.Records) > 0 {
		return rf, nil
	}
	var list []docgen.RowRecord
	if err := yaml.Unmarshal(b, &list); err != nil {
		return rowFile{}, fmt.Errorf("parse rows %s: %w", path, err)
	}
	return rowFile{Records: list}, nil
}

func (rf rowFile) order() []string {
	if len(orderFlag) > 0 {
		return orderFlag
	}
	return rf.Order
}

var fillCmd = &cobra.Command{
	Use:   "fill",
	Short: "Fill a local template file without touching the object store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if templatePath == "" || rowsPath == "" {
			return errors.New("--template and --rows are required")
		}
		tpl, err := os.ReadFile(templatePath)
		if err != nil {
			return err
		}
		rf, err := loadRows(rowsPath)
		if err != nil {
			return err
		}
		opts := cfg.FillOptions()
		opts.Extension = strings.ToLower(filepath.Ext(templatePath))

		engine := docgen.NewEngine(docgen.WithEngineLogger(logger.Named("engine")))
		out, err := engine.FillRecords(tpl, rf.Records, rf.order(), opts)
		if err != nil {
			return err
		}
		dst := outputPath
		if dst == "" {
			stem := strings.TrimSuffix(filepath.Base(templatePath), filepath.Ext(templatePath))
			format, _ := docgen.FormatFor(opts.Extension)
			dst = stem + "_filled" + string(format)
		}
		if err := os.WriteFile(dst, out, 0o644); err != nil {
			return err
		}
		layout, err := engine.Inspect(out, opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\tsheet=%s\trows=%d\n", dst, layout.Sheet, layout.DataRows)
		return nil
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate <category> [key]",
	Short: "Fill the current template of a category with rows",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if rowsPath == "" {
			return errors.New("--rows is required")
		}
		rf, err := loadRows(rowsPath)
		if err != nil {
			return err
		}
		quality, err := docgen.ParseQuality(qualityFlag)
		if err != nil {
			return err
		}
		req := docgen.GenerateRequest{
			Category: args[0],
			Key:      optionalArg(args, 1),
			Order:    rf.order(),
			Records:  rf.Records,
			Upload:   uploadResult,
			Quality:  quality,
		}
		return withService(cmd, func(ctx context.Context, svc *docgen.Service) error {
			res, err := svc.Generator().Generate(ctx, req)
			if err != nil {
				return err
			}
			dst := outputPath
			if dst == "" {
				dst = res.FileName
			}
			if err := os.WriteFile(dst, res.Content, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\trows=%d\ttemplate=%s", dst, res.Rows, res.Template)
			if res.ObjectKey != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\tobject=%s", res.ObjectKey)
			}
			if len(res.Skipped) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\tskipped=%s", strings.Join(res.Skipped, ","))
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{fillCmd, generateCmd} {
		c.Flags().StringVar(&rowsPath, "rows", "", "YAML or JSON file with records (and optionally order)")
		c.Flags().StringSliceVar(&orderFlag, "order", nil, "Group keys in output order (overrides the rows file)")
		c.Flags().StringVarP(&outputPath, "output", "o", "", "Output file")
	}
	fillCmd.Flags().StringVar(&templatePath, "template", "", "Template spreadsheet")
	generateCmd.Flags().BoolVar(&uploadResult, "upload", false, "Publish the document to the object store")
	generateCmd.Flags().StringVar(&qualityFlag, "quality", "", "Connection hint for the upload: slow or fast")
}
