// Command estatecrm runs the CRM state store as a daemon and provides
// maintenance commands over its local snapshot and backup archive.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"estatecrm/internal/app"
	"estatecrm/internal/backup"
	"estatecrm/internal/config"
)

var exitFunc = os.Exit

const closeTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "estatecrm:", err)
		exitFunc(1)
	}
}

type rootOptions struct {
	envFile string
	user    string
	out     io.Writer
	opts    []app.Option
}

func newRootCommand(out io.Writer, appOpts ...app.Option) *cobra.Command {
	ro := &rootOptions{out: out, opts: appOpts}
	root := &cobra.Command{
		Use:           "estatecrm",
		Short:         "Real-estate CRM state store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&ro.envFile, "env-file", ".env", "dotenv file read before the environment")
	root.PersistentFlags().StringVar(&ro.user, "user", "", "team member ID to act as (default: system)")
	root.AddCommand(
		newServeCommand(ro),
		newExportCommand(ro),
		newImportCommand(ro),
		newUsageCommand(ro),
		newPurgeCommand(ro),
		newBackupsCommand(ro),
	)
	return root
}

// withApp opens the configured app, restores the local snapshot, signs in
// and runs fn. Queued remote writes are flushed before returning.
func (ro *rootOptions) withApp(ctx context.Context, fn func(context.Context, *app.App) error) (err error) {
	cfg, err := config.Load(ro.envFile)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, ro.opts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := a.Close(closeCtx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if ro.user != "" {
		if _, err := a.SignIn(ctx, ro.user); err != nil {
			return err
		}
	} else {
		if _, err := a.Store.Restore(ctx); err != nil {
			return err
		}
		a.Store.SetSession(app.SystemActor)
	}
	return fn(ctx, a)
}

func newServeCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Sync with the remote store, run maintenance jobs and serve ops endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ro.user == "" {
				return fmt.Errorf("serve requires --user")
			}
			return ro.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				errc := make(chan error, 1)
				if a.Config.HTTPAddr != "" {
					go func() { errc <- a.Serve(ctx, a.Config.HTTPAddr) }()
				}
				if err := a.Run(ctx); err != nil {
					return err
				}
				if a.Config.HTTPAddr != "" {
					return <-errc
				}
				return nil
			})
		},
	}
}

func newExportCommand(ro *rootOptions) *cobra.Command {
	var archive bool
	var outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a checksummed backup of the local snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ro.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				env, err := a.Export()
				if err != nil {
					return err
				}
				if archive {
					info, err := a.Archive.Save(ctx, env)
					if err != nil {
						return err
					}
					fmt.Fprintf(ro.out, "archived %s (%s)\n", info.Key, humanize.IBytes(uint64(info.Size)))
					return nil
				}
				raw, err := backup.Encode(env)
				if err != nil {
					return err
				}
				if outPath == "" {
					_, err = ro.out.Write(append(raw, '\n'))
					return err
				}
				if err := os.WriteFile(outPath, raw, 0o600); err != nil {
					return fmt.Errorf("write %s: %w", outPath, err)
				}
				fmt.Fprintf(ro.out, "wrote %s\n", outPath)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&archive, "archive", false, "save to the backup archive instead of a file")
	cmd.Flags().StringVar(&outPath, "out", "", "output file (default stdout)")
	return cmd
}

func newImportCommand(ro *rootOptions) *cobra.Command {
	var fromArchive bool
	cmd := &cobra.Command{
		Use:   "import <file|archive-key>",
		Short: "Replace local state with a verified backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ro.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					raw []byte
					err error
				)
				if fromArchive {
					env, lerr := a.Archive.Load(ctx, args[0])
					if lerr != nil {
						return lerr
					}
					raw, err = backup.Encode(env)
				} else {
					raw, err = os.ReadFile(args[0])
				}
				if err != nil {
					return err
				}
				env, err := a.Import(ctx, raw)
				if err != nil {
					return err
				}
				fmt.Fprintf(ro.out, "imported backup of %s by %s\n", humanize.Time(env.ExportedAt), env.ExportedBy)
				printCounts(ro.out, env.Counts)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&fromArchive, "archive", false, "treat the argument as a backup archive key")
	return cmd
}

func newUsageCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show local snapshot storage usage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ro.withApp(cmd.Context(), func(_ context.Context, a *app.App) error {
				u := a.Store.StorageUsage()
				fmt.Fprintf(ro.out, "%s of %s (%.1f%%)\n", humanize.IBytes(uint64(u.UsedBytes)), humanize.IBytes(uint64(u.CapacityBytes)), u.Percent)
				if u.NearCapacity {
					fmt.Fprintln(ro.out, "warning: local storage is nearly full")
				}
				names := make([]string, 0, len(u.Buckets))
				for name := range u.Buckets {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(ro.out, "  %-16s %s\n", name, humanize.IBytes(uint64(u.Buckets[name])))
				}
				return nil
			})
		},
	}
}

func newPurgeCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-trash",
		Short: "Permanently delete leads past the trash retention",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ro.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Jobs.PurgeTrash(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(ro.out, "purged %d %s\n", n, plural(n, "lead", "leads"))
				return nil
			})
		},
	}
}

func newBackupsCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List archived backups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ro.withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				infos, err := a.Archive.List(ctx)
				if err != nil {
					return err
				}
				for _, info := range infos {
					fmt.Fprintf(ro.out, "%s\t%s\t%s\n", info.Key, humanize.IBytes(uint64(info.Size)), humanize.Time(info.LastModified))
				}
				return nil
			})
		},
	}
}

func printCounts(w io.Writer, counts map[string]int) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-16s %s\n", name, humanize.Comma(int64(counts[name])))
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
