package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"readstudy/pkg/config"
	"readstudy/pkg/sample"
	"readstudy/pkg/server"
	"readstudy/pkg/study"
	"readstudy/pkg/visualization"
	"readstudy/pkg/volume"
	"readstudy/pkg/windowing"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}
			db, err := study.Open(cfg.Data.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			srv, err := server.New(server.Config{
				Volumes:        volume.NewStore(cfg.Data.CTDataDir, volume.WithLogger(logger)),
				Study:          db,
				Auth:           study.NewAuthenticator(cfg.Server.PasswordHash),
				SessionSecret:  cfg.Server.SessionSecret,
				AllowedOrigins: cfg.Server.AllowedOrigins,
				SessionTTL:     cfg.Server.SessionTTL,
				Logger:         logger,
			})
			if err != nil {
				return err
			}
			if cfg.Server.SessionSecret == "" {
				logger.Warn("no session secret configured, sessions will not survive a restart")
			}
			return srv.Serve(cmd.Context(), cfg.Addr())
		},
	}
}

func newSampleCmd() *cobra.Command {
	var (
		count    int
		compress bool
	)
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Generate synthetic CT volumes into the data directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := sample.Options{
				Dir:         cfg.Data.CTDataDir,
				NumPatients: cfg.Sample.NumPatients,
				MinSlices:   cfg.Sample.MinSlices,
				MaxSlices:   cfg.Sample.MaxSlices,
				Height:      cfg.Sample.Height,
				Width:       cfg.Sample.Width,
				Seed:        uint64(cfg.Sample.Seed),
				Compress:    cfg.Sample.Compress || compress,
			}
			if count > 0 {
				opts.NumPatients = count
			}

			start := time.Now()
			generated, err := sample.Generate(cmd.Context(), opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var total uint64
			for _, g := range generated {
				total += uint64(g.Size)
				fmt.Fprintf(out, "%s: %d x %d x %d  %s  %s\n",
					g.PatientID, g.Depth, g.Height, g.Width, humanize.Bytes(uint64(g.Size)), g.Path)
			}
			fmt.Fprintf(out, "Generated %d volumes (%s) in %.2f seconds\n",
				len(generated), humanize.Bytes(total), time.Since(start).Seconds())
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of patients (default from config)")
	cmd.Flags().BoolVar(&compress, "compress", false, "write zstd-compressed .npy.zst files")
	return cmd
}

func newExportCmd() *cobra.Command {
	var (
		kind   string
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write study results as CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			kinds, err := study.ParseExportKind(kind)
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = cfg.Data.ExportDir
			}

			db, err := study.Open(cfg.Data.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			patients, err := volume.NewStore(cfg.Data.CTDataDir).Patients(cmd.Context())
			if err != nil {
				return err
			}

			for _, k := range kinds {
				path, err := db.Export(cmd.Context(), k, outDir, patients)
				if err != nil {
					return fmt.Errorf("export %s: %w", k, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", k, path)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "type", "t", "all", "matrix, statistics, timestamp or all")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (default from config)")
	return cmd
}

func newRenderCmd() *cobra.Command {
	var (
		preset string
		level  float64
		width  float64
		outDir string
		slice  int
	)
	cmd := &cobra.Command{
		Use:   "render <patient-id>",
		Short: "Render a patient's slices to PNG files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID := args[0]
			viewer := visualization.NewViewer(volume.NewStore(cfg.Data.CTDataDir, volume.WithLogger(logger)))

			h, err := viewer.Open(cmd.Context(), patientID)
			if err != nil {
				return err
			}
			switch {
			case preset != "":
				if _, err := viewer.ApplyPreset(preset); err != nil {
					return err
				}
			case cmd.Flags().Changed("level") || cmd.Flags().Changed("width"):
				if err := viewer.SetWindow(windowing.Window{Level: level, Width: width}); err != nil {
					return err
				}
			}

			if outDir == "" {
				outDir = filepath.Join("slices", patientID)
			}

			if cmd.Flags().Changed("slice") {
				data, err := windowing.RenderPNG(h, slice, viewer.Window())
				if err != nil {
					return err
				}
				if err := os.MkdirAll(outDir, 0755); err != nil {
					return err
				}
				filename := filepath.Join(outDir, fmt.Sprintf("slice_%03d.png", h.ClampIndex(slice)))
				if err := os.WriteFile(filename, data, 0644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s)\n", filename, viewer.Window())
				return nil
			}

			n, err := viewer.SaveSliceSequence(outDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d slices (%s) to %s\n", n, viewer.Window(), outDir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&preset, "preset", "p", "", "window preset name")
	cmd.Flags().Float64Var(&level, "level", windowing.DefaultWindow.Level, "window level (HU)")
	cmd.Flags().Float64Var(&width, "width", windowing.DefaultWindow.Width, "window width (HU)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (default slices/<patient-id>)")
	cmd.Flags().IntVarP(&slice, "slice", "s", 0, "render only this slice (clamped into range)")
	_ = cmd.RegisterFlagCompletionFunc("preset", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		var names []string
		for _, p := range windowing.Presets() {
			names = append(names, p.Name)
		}
		return names, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info [patient-id...]",
		Short: "Print volume metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := volume.NewStore(cfg.Data.CTDataDir, volume.WithLogger(logger))
			if len(args) == 0 {
				var err error
				if args, err = store.Patients(cmd.Context()); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			for _, id := range args {
				h, err := store.Load(cmd.Context(), id)
				if err != nil {
					return err
				}
				info := h.Info()
				fmt.Fprintf(out, "%-16s %4d x %4d x %4d  %-8s  HU [%.0f, %.0f] mean %.1f\n",
					info.PatientID, info.NumSlices, info.Height, info.Width,
					info.DType, info.Min, info.Max, info.Mean)
			}
			fmt.Fprintf(out, "Presets: %s\n", presetNames())
			return nil
		},
	}
}

func presetNames() string {
	var parts []string
	for _, p := range windowing.Presets() {
		parts = append(parts, fmt.Sprintf("%s %s", p.Name, p.Window))
	}
	return strings.Join(parts, ", ")
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.CreateDefaultConfigFile(cfgFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", cfgFile)
			return nil
		},
	}
}
