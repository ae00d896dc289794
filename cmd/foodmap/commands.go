package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iris-familiar/bay-area-food-map-sub000/config"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/corrections"
	pipelineerrors "github.com/iris-familiar/bay-area-food-map-sub000/pkg/errors"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/fingerprint"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/logging"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/merging"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/pipeline"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/processor"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/store"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/verify"
	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/view"
)

// execute runs the CLI and returns the process exit code. Only fatal errors
// (invariant or persistence) exit non-zero.
func execute(args []string, stdout, stderr io.Writer) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root, cleanup := newRootCmd(stdout)
	defer cleanup()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "foodmap: %v\n", err)
	if pipelineerrors.IsFatal(err) {
		return 1
	}
	return 0
}

// newRootCmd returns the command tree and a cleanup that stops whatever the
// pre-run hook started
func newRootCmd(out io.Writer) (*cobra.Command, func()) {
	var (
		envFile string
		a       *app
	)

	root := &cobra.Command{
		Use:           "foodmap",
		Short:         "Identity resolution and merge engine for the Bay Area food map",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.PrettyLogs)
			if err != nil {
				return err
			}
			a, err = newApp(cmd.Context(), cfg, logger.With(zap.String("app", cfg.AppName)), out)
			return err
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the environment")

	get := func() *app { return a }
	root.AddCommand(
		newIngestCmd(get),
		newQualityCmd(get),
		newResolveCmd(get),
		newRelinkCmd(get),
		newReconcileCmd(get),
		newCorrectCmd(get),
		newRecomputeCmd(get),
		newIndexCmd(get),
		newVerifyCmd(get),
		newTxCmd(get),
	)

	cleanup := func() {
		if a == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.close(ctx)
		_ = a.logger.Sync()
	}
	return root, cleanup
}

func argOr(args []string, i int, fallback string) string {
	if len(args) > i && args[i] != "" {
		return args[i]
	}
	return fallback
}

// mutate starts dependencies, runs mutation in a transaction and prints the counts
func (a *app) mutate(ctx context.Context, source, target, label string, mutation pipeline.Mutation) error {
	if err := a.start(ctx); err != nil {
		return pipelineerrors.Persistence(err)
	}
	result, err := a.runner(source, target).Run(ctx, label, mutation)
	if result != nil {
		a.printSummary(label, result)
	}
	return err
}

func (a *app) printSummary(label string, result *pipeline.Result) {
	s := result.Summary
	if result.Skipped {
		fmt.Fprintf(a.out, "%s: batch already committed, skipped (use --force to rerun)\n", label)
		return
	}
	fmt.Fprintf(a.out, "%s: created=%d updated=%d merged=%d failed=%d skipped=%d",
		label, s.Created, s.Updated, s.Merged, s.Failed, s.Skipped)
	if result.TxID != "" {
		fmt.Fprintf(a.out, " tx=%s", result.TxID)
	}
	fmt.Fprintln(a.out)
	for _, f := range s.Failures {
		fmt.Fprintf(a.out, "  failed #%d %q [%s]: %s\n", f.Index, f.Name, f.Class, f.Reason)
	}
}

func strategyFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "strategy", string(merging.StrategyHighestEngagement),
		"merge strategy: engagement, recent, verified, manual or forced:<id>")
}

func parseStrategy(name string) (merging.Strategy, error) {
	strategy, err := merging.ParseStrategy(name)
	if err != nil {
		return nil, pipelineerrors.Wrap(pipelineerrors.ClassInput, err)
	}
	return strategy, nil
}

func newIngestCmd(getApp func() *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "ingest <store-in> <candidates-in> [store-out]",
		Short: "Merge a candidate batch into the canonical store",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			ctx := cmd.Context()
			storeIn, candidatesPath := args[0], args[1]
			storeOut := argOr(args, 2, storeIn)

			candidates, _, err := processor.LoadCandidates(candidatesPath)
			if err != nil {
				return pipelineerrors.Persistence(err)
			}
			fp, err := fingerprint.Batch(candidates)
			if err != nil {
				return pipelineerrors.Persistence(err)
			}
			set, err := corrections.Load(a.cfg.CorrectionsPath)
			if err != nil {
				return pipelineerrors.Persistence(err)
			}

			if err := a.start(ctx); err != nil {
				return pipelineerrors.Persistence(err)
			}
			result, err := a.runner(storeIn, storeOut).RunBatch(ctx, "ingest", fp, force,
				pipeline.Ingest(a.processor, candidates, a.applier, set))
			if result != nil {
				a.printSummary("ingest", result)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ingest even if this batch was already committed")
	return cmd
}

func newQualityCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "quality [store]",
		Short: "Run the quality rule sweep",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			path := argOr(args, 0, a.cfg.StorePath)

			var report *models.QualityReport
			err := a.mutate(cmd.Context(), path, path, "quality", pipeline.Quality(a.quality, &report))
			if report != nil {
				for _, rule := range report.Rules {
					fmt.Fprintf(a.out, "  %s: changed=%d merged=%d\n", rule.Rule, rule.Changed, rule.Merged)
				}
			}
			return err
		},
	}
}

func newResolveCmd(getApp func() *app) *cobra.Command {
	var strategyName string
	cmd := &cobra.Command{
		Use:   "resolve <store> <entity-a> <entity-b>",
		Short: "Merge two entities that share an external key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			strategy, err := parseStrategy(strategyName)
			if err != nil {
				return err
			}
			return a.mutate(cmd.Context(), args[0], args[0], "resolve", pipeline.Resolve(a.processor, args[1], args[2], strategy))
		},
	}
	strategyFlag(cmd, &strategyName)
	return cmd
}

func newRelinkCmd(getApp func() *app) *cobra.Command {
	var strategyName string
	cmd := &cobra.Command{
		Use:   "relink <store> <entity-id> <external-key>",
		Short: "Assign an external key to an entity, merging with its current holder",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			strategy, err := parseStrategy(strategyName)
			if err != nil {
				return err
			}
			return a.mutate(cmd.Context(), args[0], args[0], "relink", pipeline.Relink(a.processor, args[1], args[2], strategy))
		},
	}
	strategyFlag(cmd, &strategyName)
	return cmd
}

func newReconcileCmd(getApp func() *app) *cobra.Command {
	var opts processor.ReconcileOptions
	cmd := &cobra.Command{
		Use:   "reconcile [store]",
		Short: "Look up unverified entities and link the keys found",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			path := argOr(args, 0, a.cfg.StorePath)
			return a.mutate(cmd.Context(), path, path, "reconcile", pipeline.Reconcile(a.processor, opts))
		},
	}
	cmd.Flags().BoolVar(&opts.RetryFailed, "retry-failed", false, "also retry entities whose last lookup failed")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of lookups, 0 for no limit")
	return cmd
}

func newCorrectCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "correct [store] [corrections]",
		Short: "Apply the correction overlay",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			path := argOr(args, 0, a.cfg.StorePath)
			set, err := corrections.Load(argOr(args, 1, a.cfg.CorrectionsPath))
			if err != nil {
				return pipelineerrors.Persistence(err)
			}
			return a.mutate(cmd.Context(), path, path, "correct", pipeline.Correct(a.applier, set))
		},
	}
}

func newRecomputeCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute [store]",
		Short: "Recompute shared-post counts and aggregates",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			path := argOr(args, 0, a.cfg.StorePath)
			return a.mutate(cmd.Context(), path, path, "recompute", pipeline.Recompute(a.processor))
		},
	}
}

func newIndexCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "index [store] [index-out]",
		Short: "Write the derived index view",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			path := argOr(args, 0, a.cfg.StorePath)
			out := argOr(args, 1, a.indexPath(path))

			st, err := store.NewFileStore(path).Load()
			if err != nil {
				return pipelineerrors.Persistence(err)
			}
			index := view.Build(st.Document(), time.Now())
			if err := view.NewFileWriter(a.logger, out).Write(cmd.Context(), index); err != nil {
				return pipelineerrors.Persistence(err)
			}
			fmt.Fprintf(a.out, "index: %d entries written to %s\n", index.Count, out)
			return nil
		},
	}
}

func newVerifyCmd(getApp func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [store]",
		Short: "Check store integrity",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			path := argOr(args, 0, a.cfg.StorePath)

			st, err := store.NewFileStore(path).Load()
			if err != nil {
				return pipelineerrors.Persistence(err)
			}
			violations := verify.Violations(verify.Document(st.Document()))
			for _, v := range violations {
				fmt.Fprintf(a.out, "  %v\n", v)
			}
			if len(violations) > 0 {
				return pipelineerrors.Invariant("%d integrity violations in %s", len(violations), path)
			}
			fmt.Fprintf(a.out, "verify: %d entities ok\n", st.Len())
			return nil
		},
	}
}

func newTxCmd(getApp func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tx",
		Short: "Inspect and restore transaction snapshots",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List retained snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := getApp()
			records, err := a.transactions(a.cfg.StorePath).List()
			if err != nil {
				return pipelineerrors.Persistence(err)
			}
			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tCREATED\tSIZE")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.ID, r.Label, r.CreatedAt.Format(time.RFC3339), r.SizeBytes)
			}
			return w.Flush()
		},
	}

	rollback := &cobra.Command{
		Use:   "rollback <tx-id>",
		Short: "Restore the store from a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp()
			restored, err := a.transactions(a.cfg.StorePath).Rollback(cmd.Context(), args[0])
			if err != nil {
				return pipelineerrors.Persistence(err)
			}
			if !restored {
				return pipelineerrors.Persistence(fmt.Errorf("snapshot %s not found", args[0]))
			}
			fmt.Fprintf(a.out, "rollback: restored %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, rollback)
	return cmd
}
