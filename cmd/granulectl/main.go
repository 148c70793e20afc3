package main

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/skyfield-eo/granulepush/internal/providers"
	"github.com/skyfield-eo/granulepush/internal/repository"
	"github.com/skyfield-eo/granulepush/pkg/config"
	"github.com/skyfield-eo/granulepush/pkg/domain"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

func newUI() *ui {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.NoColor = true
	}
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadCfg() (*config.Config, error) {
	cfg, err := config.LoadConfigOptional(getenv("GRANULEPUSH_CONFIG_PATH", ""))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLedger(cfg *config.Config, prefix string) repository.LedgerRepository {
	rdb := providers.NewRedisProvider(cfg.RedisAddr, cfg.RedisPassword)
	return repository.NewLedgerRepository(rdb, prefix, repository.LedgerOptions{
		TombstoneTTL: time.Duration(cfg.TombstoneTTLHours) * time.Hour,
	})
}

func main() {
	ui := newUI()
	prefix := getenv("GRANULEPUSH_PREFIX", "prod")

	root := &cobra.Command{
		Use:           "granulectl",
		Short:         "Operator CLI for the granule uploader ledger",
		Long:          "granulectl inspects and repairs license reservations, pool balances, event streams and manifests.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&prefix, "prefix", prefix, "Environment prefix (key namespace)")

	root.AddCommand(
		reservationCmd(&prefix, ui),
		poolCmd(&prefix, ui),
		eventsCmd(ui),
		verifyCmd(&prefix, ui),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

func reservationCmd(prefix *string, ui *ui) *cobra.Command {
	res := &cobra.Command{
		Use:   "reservation",
		Short: "Reservation operations",
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			ledger := newLedger(cfg, *prefix)

			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Fetching reservation..."
			spin.Start()
			r, err := ledger.Get(cmd.Context(), args[0])
			spin.Stop()
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(r, "", "  ")
			fmt.Printf("%s Reservation\n%s\n", ui.title("::"), string(out))
			return nil
		},
	}

	var skipPools bool
	clear := &cobra.Command{
		Use:   "clear <id>",
		Short: "Retire a stuck reservation",
		Long: "Releases the reservation if it is still active. With --skip-pools the " +
			"reservation is tombstoned without crediting seats back, for reservations " +
			"whose seats were already reclaimed by hand.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			ledger := newLedger(cfg, *prefix)

			if skipPools {
				if err := ledger.ForceClear(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Printf("%s Reservation %s tombstoned, pools untouched\n", ui.warn("[OK]"), args[0])
				return nil
			}
			rel, err := ledger.Release(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rel.Outcome == domain.AlreadyReleased {
				fmt.Printf("%s Reservation %s was already released\n", ui.info("[OK]"), args[0])
				return nil
			}
			fmt.Printf("%s Reservation %s released (%d dataset + %d floating seats credited)\n",
				ui.ok("[OK]"), args[0], rel.DatasetSeats, rel.FloatingSeats)
			return nil
		},
	}
	clear.Flags().BoolVar(&skipPools, "skip-pools", false, "Tombstone without crediting seats")

	res.AddCommand(get, clear)
	return res
}

func poolCmd(prefix *string, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "pool <dataset>",
		Short: "Show seat balances for a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			ledger := newLedger(cfg, *prefix)

			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Reading pool balances..."
			spin.Start()
			ds, fl, err := ledger.PoolBalance(cmd.Context(), args[0])
			spin.Stop()
			if err != nil {
				return err
			}
			fmt.Printf("%s Pools for %s\n", ui.title("::"), args[0])
			fmt.Printf("%s dataset seats:  %d\n", ui.info("•"), ds)
			fmt.Printf("%s floating seats: %d\n", ui.info("•"), fl)
			return nil
		},
	}
}

func eventsCmd(ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Tail failure and ingest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			rdb := providers.NewRedisProvider(cfg.RedisAddr, cfg.RedisPassword)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sub := rdb.Subscribe(ctx, cfg.FailureChannel, cfg.IngestChannel)
			defer sub.Close()
			if _, err := sub.Receive(ctx); err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			fmt.Printf("%s Tailing %s and %s (Ctrl-C to stop)\n",
				ui.info("[INFO]"), cfg.FailureChannel, cfg.IngestChannel)

			ch := sub.Channel()
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg, ok := <-ch:
					if !ok {
						return nil
					}
					tag := ui.ok("[INGEST]")
					if msg.Channel == cfg.FailureChannel {
						tag = ui.err("[FAILURE]")
					}
					fmt.Printf("%s %s %s\n", ui.dim(time.Now().Format(time.RFC3339)), tag, msg.Payload)
				}
			}
		},
	}
}

func verifyCmd(prefix *string, ui *ui) *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "verify <manifest_path> <job_index>",
		Short: "Check a manifest shard against the object store",
		Long: "Re-hashes every entry of one shard against what is actually stored. " +
			"With --data-dir the expected checksum falls back to the local file's " +
			"sidecar or content when the manifest carries none.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobIndex, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("job_index: %q is not an integer", args[1])
			}
			m, err := domain.LoadManifest(args[0])
			if err != nil {
				return err
			}
			shard, err := m.Shard(jobIndex)
			if err != nil {
				return err
			}
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			store := providers.NewLocalStore(cfg.StorageRoot)

			bar := progressbar.NewOptions(len(shard),
				progressbar.OptionSetDescription("Verifying shard"),
				progressbar.OptionSetWidth(18),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)

			var bad []string
			for _, e := range shard {
				if err := verifyEntry(cmd.Context(), store, *prefix, dataDir, e); err != nil {
					bad = append(bad, fmt.Sprintf("%s: %v", e.Key, err))
				}
				_ = bar.Add(1)
			}
			if len(bad) > 0 {
				fmt.Printf("%s %d of %d entries failed\n", ui.err("[FAIL]"), len(bad), len(shard))
				for _, b := range bad {
					fmt.Printf("%s %s\n", ui.err("✗"), b)
				}
				return fmt.Errorf("shard %d does not match the store", jobIndex)
			}
			fmt.Printf("%s Shard %d verified (%d entries)\n", ui.ok("[OK]"), jobIndex, len(shard))
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Local data dir for checksum fallback")
	return cmd
}

func verifyEntry(ctx context.Context, store providers.ObjectStore, prefix, dataDir string, e domain.ManifestEntry) error {
	want := strings.ToLower(strings.TrimSpace(e.MD5))
	if want == "" && dataDir != "" {
		var err error
		want, err = localMD5(filepath.Join(dataDir, filepath.FromSlash(e.Local)))
		if err != nil {
			return err
		}
	}

	info, err := store.Stat(ctx, path.Join(prefix+"-granules", e.Key))
	if err != nil {
		return err
	}
	if want != "" && info.MD5 != want {
		return fmt.Errorf("checksum mismatch (want %s, stored %s)", want, info.MD5)
	}
	return nil
}

// localMD5 prefers the sidecar over re-reading the data file.
func localMD5(local string) (string, error) {
	if data, err := os.ReadFile(local + ".md5"); err == nil {
		if fields := strings.Fields(string(data)); len(fields) > 0 {
			return strings.ToLower(fields[0]), nil
		}
	}
	f, err := os.Open(local)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

