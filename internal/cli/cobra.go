package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tessera/internal/config"
	"tessera/internal/pipeline"
	"tessera/internal/stages"
	"tessera/internal/stitch"
	"tessera/internal/storage"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tessera",
		Short: "Tessera registers microscopy tile mosaics",
		Long: `Tessera computes global tile positions for microscopy mosaics from
overlapping tile images and their grid indices or stage positions.

Mosaics are described by manifests (YAML or JSON) listing each tile image
together with its grid index and/or estimated stage position.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newStitchCmd(root))
	rootCmd.AddCommand(newPairsCmd(root))
	rootCmd.AddCommand(newStrategiesCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// stitchFlags are the per-run overrides shared by stitch and pairs.
type stitchFlags struct {
	output               string
	candidateEstimator   string
	positionInterpolator string
	pairOptimizer        string
	globalOptimizer      string
	overlapThreshold     float64
	allowedError         float64
	gridOverlap          float64
}

func (f *stitchFlags) register(cmd *cobra.Command, withStrategies bool) {
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "report file or directory (.json or .yaml)")
	cmd.Flags().Float64Var(&f.overlapThreshold, "overlap-threshold", stitch.DefaultOverlapThreshold, "minimum overlap in percent for position-based pairing")
	cmd.Flags().Float64Var(&f.gridOverlap, "grid-overlap", stitch.DefaultGridOverlap, "nominal tile overlap in percent for grid-only manifests")
	if !withStrategies {
		return
	}
	cmd.Flags().Float64Var(&f.allowedError, "allowed-error", stitch.DefaultAllowedError, "maximum deviation in pixels from the estimated displacement")
	cmd.Flags().StringVar(&f.candidateEstimator, "candidate-estimator", "", "candidate estimator strategy")
	cmd.Flags().StringVar(&f.positionInterpolator, "position-interpolator", "", "position interpolator strategy")
	cmd.Flags().StringVar(&f.pairOptimizer, "pair-optimizer", "", "pair optimizer strategy")
	cmd.Flags().StringVar(&f.globalOptimizer, "global-optimizer", "", "global optimizer strategy")
}

// options returns only the flags the user set, so manifest overrides and
// configuration keep precedence otherwise.
func (f *stitchFlags) options(cmd *cobra.Command) map[string]any {
	opts := map[string]any{"source": "cli"}
	set := func(flag, key string, value any) {
		if cmd.Flags().Changed(flag) {
			opts[key] = value
		}
	}
	set("candidate-estimator", pipeline.OptCandidateEstimator, f.candidateEstimator)
	set("position-interpolator", pipeline.OptPositionInterpolator, f.positionInterpolator)
	set("pair-optimizer", pipeline.OptPairOptimizer, f.pairOptimizer)
	set("global-optimizer", pipeline.OptGlobalOptimizer, f.globalOptimizer)
	set("overlap-threshold", pipeline.OptOverlapThreshold, f.overlapThreshold)
	set("allowed-error", pipeline.OptAllowedError, f.allowedError)
	set("grid-overlap", pipeline.OptGridOverlap, f.gridOverlap)
	return opts
}

// outputFor names the report of one manifest. A directory output (or several
// manifests) gets <manifest>.report.json inside it.
func (f *stitchFlags) outputFor(manifestPath string, many bool) string {
	if f.output == "" {
		return ""
	}
	info, err := os.Stat(f.output)
	isDir := (err == nil && info.IsDir()) || strings.HasSuffix(f.output, string(os.PathSeparator))
	if !isDir && !many {
		return f.output
	}
	base := strings.TrimSuffix(filepath.Base(manifestPath), filepath.Ext(manifestPath))
	return filepath.Join(f.output, base+".report.json")
}

func newStitchCmd(root *Root) *cobra.Command {
	var flags stitchFlags

	cmd := &cobra.Command{
		Use:   "stitch <manifest> [manifest...]",
		Short: "Compute global tile positions for one or more mosaics",
		Long: `Run the full registration pipeline: candidate estimation, outlier
interpolation, local refinement and global optimization.

Examples:
  # Stitch with configured strategies and print positions
  tessera stitch slide-7.yaml

  # Write a JSON report and use the spanning tree solver
  tessera stitch slide-7.yaml -o slide-7.report.json --global-optimizer maximum_spanning_tree`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runManifests(cmd, pipeline.JobStitch, args, &flags)
		},
	}
	flags.register(cmd, true)
	return cmd
}

func newPairsCmd(root *Root) *cobra.Command {
	var flags stitchFlags

	cmd := &cobra.Command{
		Use:   "pairs <manifest>",
		Short: "List the overlapping tile pairs of a mosaic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.runManifests(cmd, pipeline.JobPairs, args, &flags)
		},
	}
	flags.register(cmd, false)
	return cmd
}

func (r *Root) runManifests(cmd *cobra.Command, kind pipeline.JobType, manifests []string, flags *stitchFlags) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()
	for _, path := range manifests {
		job := pipeline.Job{
			Type:     kind,
			Manifest: path,
			Output:   flags.outputFor(path, len(manifests) > 1),
			Options:  flags.options(cmd),
		}
		res, err := r.enqueueAndWait(ctx, job)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		printResult(out, path, res)
	}
	return nil
}

func printResult(out io.Writer, path string, res pipeline.Result) {
	fmt.Fprintf(out, "%s: %v tiles, %v pairs (%v mode)", path, res.Meta["tiles"], res.Meta["pairs"], res.Meta["mode"])
	if output, ok := res.Meta["output"].(string); ok {
		fmt.Fprintf(out, ", report written to %s", output)
	}
	fmt.Fprintln(out)
	if res.Report == nil {
		return
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	if res.Report.Positions != nil {
		fmt.Fprintln(tw, "TILE\tPOSITION")
		for i, p := range res.Report.Positions {
			fmt.Fprintf(tw, "%d\t%s\n", i, formatVector(p))
		}
		return
	}
	fmt.Fprintln(tw, "PAIR\tESTIMATED DISPLACEMENT")
	for _, p := range res.Report.Pairs {
		fmt.Fprintf(tw, "%d-%d\t%s\n", p.Index1, p.Index2, formatVector(p.EstimatedDisplacement))
	}
}

func formatVector(v []float64) string {
	if v == nil {
		return "-"
	}
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%.2f", x)
	}
	return strings.Join(parts, ", ")
}

func newStrategiesCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "strategies",
		Short: "List the registered strategies for every stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := stages.DefaultRegistry()
			selected := map[stages.Role]string{
				stages.RoleCandidateEstimator:   root.cfg.Stitching.CandidateEstimator,
				stages.RolePositionInterpolator: root.cfg.Stitching.PositionInterpolator,
				stages.RolePairOptimizer:        root.cfg.Stitching.PairOptimizer,
				stages.RoleGlobalOptimizer:      root.cfg.Stitching.GlobalOptimizer,
			}
			out := cmd.OutOrStdout()
			for _, role := range stages.Roles {
				fmt.Fprintf(out, "%s:\n", role)
				for _, name := range reg.Names(role) {
					marker := " "
					if name == selected[role] {
						marker = "*"
					}
					fmt.Fprintf(out, "  %s %s\n", marker, name)
				}
			}
			return nil
		},
	}
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("run history unavailable: no database")
			}
			recs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tTILES\tPAIRS\tCREATED\tDURATION\tMANIFEST")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					rec.ID, rec.RunType, rec.Status,
					humanize.Comma(int64(rec.Tiles)), humanize.Comma(int64(rec.Pairs)),
					humanize.Time(rec.CreatedAt), runDuration(rec), rec.ManifestPath)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one run and its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("run history unavailable: no database")
			}
			rec, err := root.store.Run(args[0])
			if err != nil {
				return err
			}
			resp := struct {
				storage.RunRecord
				Report json.RawMessage `json:"report,omitempty"`
			}{RunRecord: rec}
			if report, err := root.store.RunReport(args[0]); err == nil && string(report) != "null" {
				resp.Report = report
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
	cmd.AddCommand(showCmd)
	return cmd
}

func runDuration(rec storage.RunRecord) string {
	if rec.StartedAt == nil || rec.CompletedAt == nil {
		return "-"
	}
	return rec.CompletedAt.Sub(*rec.StartedAt).Round(time.Millisecond).String()
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		watchDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server for submitting stitch jobs and following their
results. Optionally watches a directory and queues every manifest dropped
into it.

Examples:
  # Basic server
  tessera serve --addr :8080

  # Server that stitches manifests copied into /data/incoming
  tessera serve --addr :8080 --watch /data/incoming`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			root.log.Info("starting server",
				"addr", addr,
				"watch_dir", watchDir,
			)
			return root.serveFn(ctx, addr, watchDir, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "server address (host:port)")
	cmd.Flags().StringVar(&watchDir, "watch", root.cfg.Paths.WatchDir, "directory to monitor for new manifests")

	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration settings",
		Long:  "Show or validate the effective tessera configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd.OutOrStdout())
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate(cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("tessera %s (%s)\n", Version, runtime.Version())
		},
	}
}
