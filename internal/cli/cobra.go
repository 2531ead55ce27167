package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"megafield/internal/acquisition"
	"megafield/internal/config"
	"megafield/internal/fsutil"
	"megafield/internal/regions"
	"megafield/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(acq *acquisition.Acquirer, cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	return newRootCmd(NewRoot(acq, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "megafield",
		Short: "Megafield acquires tiled multibeam images of a region",
		Long: `Megafield drives a multibeam microscope over a region of acquisition,
one field at a time, with beam drift correction and optional pre-calibrations.
It also acquires single-beam overview images.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newResolveCmd(root))
	rootCmd.AddCommand(newRegionsCmd(root))
	rootCmd.AddCommand(newEstimateCmd(root))
	rootCmd.AddCommand(newAcquireCmd(root))
	rootCmd.AddCommand(newOverviewCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newRemoteCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newResolveCmd(root *Root) *cobra.Command {
	var export string

	cmd := &cobra.Command{
		Use:   "resolve <region.yaml|name>",
		Short: "List the fields covering a region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			region, err := root.loadRegion(args[0])
			if err != nil {
				return err
			}
			p := region.Pitch()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Region %s: %d fields, pitch %.4g x %.4g m, overlap %.3g\n",
				region.Name(), len(region.Indices()), p.X, p.Y, region.Overlap())
			fmt.Fprintln(out, formatIndices(region))
			if export != "" {
				if err := regions.Save(export, regions.FromRegion(region)); err != nil {
					return err
				}
				fmt.Fprintf(out, "Saved to %s\n", export)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&export, "export", "", "write the region with its effective overlap to this file")
	return cmd
}

func newRegionsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "regions",
		Short: "List the regions in the regions directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := root.cfg.Paths.RegionsDir
			paths, err := regions.List(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(paths) == 0 {
				fmt.Fprintf(out, "No regions in %s\n", dir)
				return nil
			}
			for _, p := range paths {
				region, err := root.loadRegion(p)
				if err != nil {
					fmt.Fprintf(out, "  %-24s error: %v\n", filepath.Base(p), err)
					continue
				}
				fmt.Fprintf(out, "  %-24s %-16s %4d fields\n", filepath.Base(p), region.Name(), len(region.Indices()))
			}
			return nil
		},
	}
}

func newEstimateCmd(root *Root) *cobra.Command {
	var calibrations []string

	cmd := &cobra.Command{
		Use:   "estimate <region.yaml>",
		Short: "Estimate how long acquiring a region takes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			region, err := root.loadRegion(args[0])
			if err != nil {
				return err
			}
			b, _ := root.backend()
			est := root.acq.EstimateAcquisitionTime(region, b.Megafield.Detector.FrameDuration(), calibrations)
			fmt.Fprintf(cmd.OutOrStdout(), "Region %s: %d fields, about %s\n", region.Name(), len(region.Indices()), est.Round(time.Second))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&calibrations, "calibrations", nil, "pre-calibrations to run before the first field")
	return cmd
}

func newAcquireCmd(root *Root) *cobra.Command {
	var (
		calibrations []string
		subPath      string
		fullCells    bool
		output       string
		noSave       bool
		tui          bool
	)

	cmd := &cobra.Command{
		Use:   "acquire <region.yaml>",
		Short: "Acquire a megafield over a region",
		Long: `Acquire every field of a region of acquisition with the multibeam detector.
Pressing Ctrl+C cancels the run; fields already acquired are kept.

Examples:
  megafield acquire regions/slice-7.yaml
  megafield acquire regions/slice-7.yaml --calibrations optical_autofocus,image_translation --tui`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			region, err := root.loadRegion(args[0])
			if err != nil {
				return err
			}
			b, _ := root.backend()

			opts := b.Options
			opts.PreCalibrations = calibrations
			if subPath != "" {
				opts.SubPath = subPath
			}
			opts.SaveFullCells = opts.SaveFullCells || fullCells
			switch {
			case noSave:
				opts.Sink = nil
			case output != "":
				opts.Sink = fsutil.TileWriter{Root: output}
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			run, err := root.acq.Acquire(ctx, region, b.Megafield, opts)
			if err != nil {
				return err
			}
			root.log.Info("acquisition queued", "id", run.ID(), "region", region.Name(), "fields", len(region.Indices()))

			if tui {
				if err := watchRun(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), run); err != nil {
					return err
				}
			}
			return root.waitRun(ctx, cmd.OutOrStdout(), run)
		},
	}

	cmd.Flags().StringSliceVar(&calibrations, "calibrations", nil, "pre-calibrations to run before the first field")
	cmd.Flags().StringVar(&subPath, "sub-path", "", "sub-directory between the user and the region name on storage")
	cmd.Flags().BoolVar(&fullCells, "full-cells", false, "store complete cell images instead of cropped ones")
	cmd.Flags().StringVarP(&output, "output", "o", "", "directory for tile images (default from config)")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "do not write tile images")
	cmd.Flags().BoolVar(&tui, "tui", false, "show an interactive progress view")
	return cmd
}

func newOverviewCmd(root *Root) *cobra.Command {
	var (
		area   []float64
		output string
	)

	cmd := &cobra.Command{
		Use:   "overview",
		Short: "Acquire a single-beam overview image of an area",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(area) != 4 {
				return fmt.Errorf("--area needs xmin,ymin,xmax,ymax")
			}
			b, err := root.backend()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			run, err := root.acq.AcquireTiledArea(ctx, b.Overview, b.Stage, [4]float64{area[0], area[1], area[2], area[3]})
			if err != nil {
				return err
			}

			select {
			case <-run.Done():
			case <-ctx.Done():
				run.Cancel()
				<-run.Done()
			}
			img, err := run.Result(0)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Overview %s: %v\n", run.ID(), err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Overview %s: %dx%d px\n", run.ID(), img.Width, img.Height)
			if output != "" {
				if err := fsutil.WriteFrame(output, img); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", output)
			}
			return nil
		},
	}

	cmd.Flags().Float64SliceVar(&area, "area", nil, "area in stage coordinates: xmin,ymin,xmax,ymax (m)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "TIFF file for the overview image")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var calibrations []string

	cmd := &cobra.Command{
		Use:   "watch <region.yaml>",
		Short: "Follow a region file and report its fields on every change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			region, err := root.loadRegion(args[0])
			if err != nil {
				return err
			}
			b, _ := root.backend()
			frame := b.Megafield.Detector.FrameDuration()
			out := cmd.OutOrStdout()
			report := func() {
				est := root.acq.EstimateAcquisitionTime(region, frame, calibrations)
				fmt.Fprintf(out, "Region %s: %d fields, about %s\n", region.Name(), len(region.Indices()), est.Round(time.Second))
			}
			report()

			w, err := regions.NewWatcher(args[0], region, root.log)
			if err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				return err
			}
			defer w.Stop()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case u, ok := <-w.Updates:
					if !ok {
						return nil
					}
					if u.Err != nil {
						fmt.Fprintf(out, "Could not reload %s: %v\n", u.Path, u.Err)
						continue
					}
					report()
				}
			}
		},
	}

	cmd.Flags().StringSliceVar(&calibrations, "calibrations", nil, "pre-calibrations to include in the estimate")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var httpAddr, grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC servers",
		Long: `Serve acquisitions over HTTP (JSON API, server-sent events and a websocket
progress feed) and over gRPC.

Examples:
  megafield serve --addr :8080 --grpc-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := root.backend()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			root.log.Info("server ready",
				"addr", httpAddr,
				"grpc_addr", grpcAddr,
				"endpoints", []string{"/healthz", "/estimate", "/acquisitions", "/overviews", "/runs", "/stream", "/ws"},
			)
			return root.serveFn(ctx, root, b, httpAddr, grpcAddr)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "addr", root.cfg.Server.HTTPAddr, "HTTP address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC address (host:port)")
	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded acquisitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("no database configured")
			}
			recs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "No recorded acquisitions")
				return nil
			}
			for _, rec := range recs {
				line := fmt.Sprintf("%s  %-9s  %-10s  %-20s  %d/%d", rec.CreatedAt.Format(time.RFC3339), rec.Kind, rec.Status, rec.Region, rec.TilesAcquired, rec.TilesTotal)
				if rec.Error != "" {
					line += "  " + rec.Error
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}

func newRemoteCmd(root *Root) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Query or cancel acquisitions on a running server",
	}
	cmd.PersistentFlags().StringVar(&target, "server", "localhost"+root.cfg.Server.GRPCAddr, "gRPC server address")

	withClient := func(cmd *cobra.Command, fn func(ctx context.Context, c remoteClient) error) error {
		c, err := root.dialFn(target)
		if err != nil {
			return err
		}
		defer c.Close()
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return fn(ctx, c)
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List acquisitions known to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c remoteClient) error {
				sts, err := c.List(ctx)
				if err != nil {
					return err
				}
				printStatuses(cmd.OutOrStdout(), sts)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show an acquisition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c remoteClient) error {
				st, err := c.Status(ctx, args[0])
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an acquisition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c remoteClient) error {
				st, err := c.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, statusCmd, cancelCmd)
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate megafield configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd.OutOrStdout())
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.configValidate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
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
			root.cmdVersion(cmd.OutOrStdout())
		},
	}
}
