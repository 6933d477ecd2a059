package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/contact-identity/internal/contact"
	"github.com/sells-group/contact-identity/internal/merge"
	"github.com/sells-group/contact-identity/internal/store"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge or delete a duplicate contact group",
	Long: "Recomputes the duplicate group under row locks and folds the targets into the master contact, " +
		"or deletes them with --delete. Every invocation is recorded as a merge run.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("merge"); err != nil {
			return err
		}

		req, err := mergeRequestFromFlags(cmd)
		if err != nil {
			return err
		}
		output, _ := cmd.Flags().GetString("output")

		pg, err := openPostgres(ctx)
		if err != nil {
			return err
		}
		defer pg.Close() //nolint:errcheck

		runs, err := initRunStore(ctx, pg)
		if err != nil {
			return err
		}
		defer closeRunStore(runs, pg)

		svc := merge.NewService(merge.NewEngine(pg.Pool(), cfg.Merge.PlaceholderPrefix), runs)
		res, run, err := svc.Run(ctx, req)
		if err != nil {
			if run != nil {
				zap.L().Error("merge failed", zap.String("run_id", run.ID), zap.Error(err))
			}
			return eris.Wrap(err, "merge")
		}

		return writeStructured(os.Stdout, output, mergeOutput{Run: run, Master: res.Master, Absorbed: res.Absorbed})
	},
}

// mergeOutput is what the merge command prints.
type mergeOutput struct {
	Run      *store.MergeRun  `json:"run" yaml:"run"`
	Master   *contact.Contact `json:"master" yaml:"master"`
	Absorbed []int64          `json:"absorbed" yaml:"absorbed"`
}

func init() {
	registerMergeFlags(mergeCmd)
	rootCmd.AddCommand(mergeCmd)
}

func registerMergeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int64("company", 0, "company (tenant) ID")
	f.String("by", string(merge.KindNumber), "grouping key kind (number, name)")
	f.String("key", "", "group key value (canonical number or name)")
	f.Int64("master", 0, "ID of the contact to keep")
	f.Int64Slice("targets", nil, "IDs to merge (default: every other group member)")
	f.Bool("delete", false, "delete the targets and their data instead of merging")
	f.String("output", "json", "output format (json, yaml)")
}

func mergeRequestFromFlags(cmd *cobra.Command) (merge.Request, error) {
	f := cmd.Flags()
	companyID, _ := f.GetInt64("company")
	by, _ := f.GetString("by")
	key, _ := f.GetString("key")
	master, _ := f.GetInt64("master")
	targets, _ := f.GetInt64Slice("targets")
	del, _ := f.GetBool("delete")

	if companyID <= 0 {
		return merge.Request{}, eris.New("merge: --company is required")
	}
	if master <= 0 {
		return merge.Request{}, eris.New("merge: --master is required")
	}
	if key == "" {
		return merge.Request{}, eris.New("merge: --key is required")
	}

	op := merge.OpMerge
	if del {
		op = merge.OpDelete
	}
	return merge.Request{
		CompanyID: companyID,
		Key:       merge.Key{Kind: merge.KeyKind(by), Value: key},
		MasterID:  master,
		TargetIDs: targets,
		Operation: op,
	}, nil
}
