package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/areas"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/config"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/journal"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/kv"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/session"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/snapshot"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/validation"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

type storeFlags struct {
	configPath string
	driver     string
	path       string
	dsn        string
}

// load resolves the config file first, then lets explicit flags override storage.
func (f *storeFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return cfg, err
	}
	if f.driver != "" {
		cfg.Storage.Driver = strings.ToLower(f.driver)
	}
	if f.path != "" {
		cfg.Storage.Path = f.path
	}
	if f.dsn != "" {
		cfg.Storage.DSN = f.dsn
	}
	return cfg, nil
}

func (f *storeFlags) open(ctx context.Context, out io.Writer) (*session.Repo, kv.Store, config.Config, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, nil, cfg, err
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelWarn}))
	kvCfg := cfg.KV()
	kvCfg.Logger = logger
	store, err := kv.Open(ctx, kvCfg)
	if err != nil {
		return nil, nil, cfg, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	return session.New(store, logger), store, cfg, nil
}

func newRootCmd() *cobra.Command {
	sf := &storeFlags{}
	root := &cobra.Command{
		Use:           "inspect",
		Short:         "Inspect and maintain the persisted workspace session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&sf.configPath, "config", "", "server config yaml (optional)")
	root.PersistentFlags().StringVar(&sf.driver, "driver", "", "storage driver: sqlite, badger or postgres")
	root.PersistentFlags().StringVar(&sf.path, "path", "", "sqlite file or badger directory")
	root.PersistentFlags().StringVar(&sf.dsn, "dsn", "", "postgres connection string")

	root.AddCommand(newShowCmd(sf), newValidateCmd(sf), newClearCmd(sf), newExportCmd(sf), newImportCmd(sf), newJournalCmd())
	return root
}

func newShowCmd(sf *storeFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the session flag and snapshot summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			repo, store, _, err := sf.open(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer store.Close()

			has, err := repo.HasSession(ctx)
			if err != nil {
				return err
			}
			raw, err := repo.Raw(ctx)
			if errors.Is(err, kv.ErrNotFound) {
				fmt.Fprintf(out, "unsaved session: %v\nno snapshot stored\n", has)
				return nil
			}
			if err != nil {
				return err
			}
			h, err := snapshot.ReadHeader(raw)
			if err != nil {
				return fmt.Errorf("read header: %w", err)
			}
			if !asJSON {
				fmt.Fprintf(out, "unsaved session: %v\nversion: %d (current %d)\nupdated: %d\nschemes: %d\nitems: %d\nbytes: %d\n",
					has, h.Version, workspace.SchemaVersion, h.UpdatedAt, h.Schemes, h.Items, len(raw))
				return nil
			}
			snap, _, err := snapshot.Unmarshal(raw, workspace.SchemaVersion)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full snapshot as JSON")
	return cmd
}

func newValidateCmd(sf *storeFlags) *cobra.Command {
	var areasPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run duplicate and limit checks over every stored scheme",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			repo, store, cfg, err := sf.open(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer store.Close()

			snap, ok, err := repo.Load(ctx)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(out, "no restorable snapshot")
				return nil
			}
			if areasPath == "" {
				areasPath = cfg.AreasFile
			}
			var set workspace.BuildableAreaSet
			if areasPath != "" {
				if set, err = areas.Load(areasPath); err != nil {
					return err
				}
			}
			settings := workspace.Settings{EnableDuplicateDetection: true, EnableLimitDetection: true}
			issues := 0
			for _, sc := range snap.Editor.Schemes {
				res := validation.Run(sc.Items, settings, set, cfg.ValidationLimits())
				issues += printResult(out, sc, res)
			}
			if issues > 0 {
				return fmt.Errorf("%d issue(s) found", issues)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&areasPath, "areas", "", "buildable areas file (defaults to areas_file from config)")
	return cmd
}

func printResult(out io.Writer, sc workspace.HomeScheme, res validation.Result) int {
	if res.IsClean() {
		fmt.Fprintf(out, "%s (%s): %d items, clean\n", sc.ID, sc.Name, len(sc.Items))
		return 0
	}
	n := len(res.DuplicateGroups) + len(res.LimitIssues.OutOfBoundsItemIDs) + len(res.LimitIssues.OversizedGroups)
	fmt.Fprintf(out, "%s (%s): %d items, %d duplicate groups, %d out of bounds, %d oversized groups\n",
		sc.ID, sc.Name, len(sc.Items), len(res.DuplicateGroups),
		len(res.LimitIssues.OutOfBoundsItemIDs), len(res.LimitIssues.OversizedGroups))
	for _, g := range res.DuplicateGroups {
		ids := append([]string(nil), g...)
		sort.Strings(ids)
		fmt.Fprintf(out, "  duplicate: %s\n", strings.Join(ids, ", "))
	}
	for _, id := range res.LimitIssues.OutOfBoundsItemIDs {
		fmt.Fprintf(out, "  out of bounds: %s\n", id)
	}
	for _, g := range res.LimitIssues.OversizedGroups {
		fmt.Fprintf(out, "  oversized group: %d\n", g)
	}
	return n
}

func newClearCmd(sf *storeFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the stored snapshot and the unsaved-session flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to clear without --yes")
			}
			ctx := cmd.Context()
			repo, store, _, err := sf.open(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer store.Close()
			if err := repo.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func newExportCmd(sf *storeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file.snap.zst>",
		Short: "Write the stored snapshot to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, store, _, err := sf.open(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer store.Close()
			snap, ok, err := repo.Load(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("no restorable snapshot")
			}
			if err := snapshot.WriteFile(args[0], &snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d schemes to %s\n", len(snap.Editor.Schemes), args[0])
			return nil
		},
	}
}

func newImportCmd(sf *storeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.snap.zst>",
		Short: "Replace the stored session with a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			snap, _, err := snapshot.ReadFile(args[0], workspace.SchemaVersion)
			if err != nil {
				return err
			}
			repo, store, _, err := sf.open(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := repo.Save(ctx, &snap)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d schemes (%d bytes)\n", len(snap.Editor.Schemes), n)
			return nil
		},
	}
}

func newJournalCmd() *cobra.Command {
	var failedOnly bool
	cmd := &cobra.Command{
		Use:   "journal <segment.jsonl.zst | dir>",
		Short: "Print save attempts recorded in a journal segment or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			read := journal.ReadEntries
			if fi, err := os.Stat(args[0]); err == nil && fi.IsDir() {
				read = journal.ReadDir
			}
			entries, err := read(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				if failedOnly && e.OK {
					continue
				}
				status := "ok"
				if !e.OK {
					status = "FAILED " + e.Err
				}
				fmt.Fprintf(out, "%d %-8s %s bytes=%d schemes=%d items=%d took=%dms\n",
					e.At, e.Reason, status, e.Bytes, e.Schemes, e.Items, e.Millis)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only failed attempts")
	return cmd
}
