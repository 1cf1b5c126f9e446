package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	glucosync "github.com/dgarrido/glucosync"
	"github.com/dgarrido/glucosync/backoff"
	"github.com/dgarrido/glucosync/config"
	"github.com/dgarrido/glucosync/glucose"
	"github.com/dgarrido/glucosync/logging"
	"github.com/dgarrido/glucosync/storage/sqlite"
	"github.com/dgarrido/glucosync/transport/httptransport"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "glucosync",
	Short: "Offline-first glucose reading store and sync client",
	Long: `glucosync keeps glucose readings in a local SQLite database and mirrors
them to the backend when a connection is available. Readings written while
offline are queued and pushed later; remote state is pulled and merged with
the backend winning conflicts.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/glucosync/config.yaml)")

	addCmd.Flags().Float64Var(&addValue, "value", 0, "glucose value (required)")
	addCmd.Flags().StringVar(&addUnits, "units", "mg/dL", "units: mg/dL or mmol/L")
	addCmd.Flags().StringVar(&addContext, "context", "random", "meal context: fasting, before_meal, after_meal, bedtime, random")
	addCmd.Flags().StringVar(&addNotes, "notes", "", "free-form notes")
	addCmd.Flags().StringVar(&addTime, "time", "", "clinical time, RFC3339 (default now)")
	addCmd.MarkFlagRequired("value")

	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum readings to show, 0 for all")
	pruneCmd.Flags().IntVar(&pruneDays, "days", 0, "days of readings to keep (default from config)")

	rootCmd.AddCommand(addCmd, listCmd, syncCmd, statusCmd, pruneCmd, watchCmd, shareCmd, logoutCmd)
}

// app bundles the wired components behind each command.
type app struct {
	cfg    *config.Config
	store  *sqlite.Store
	engine *glucosync.Engine
}

func (a *app) close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

// bearerDoer decorates an HTTP client with the configured bearer token.
type bearerDoer struct {
	token string
	base  *http.Client
}

func (d *bearerDoer) Do(req *http.Request) (*http.Response, error) {
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	return d.base.Do(req)
}

func loadApp() (*app, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if cfg.Logging != nil {
		logging.Init(*cfg.Logging)
	}
	logger := logging.Default()

	storeCfg := sqlite.DefaultConfig(cfg.Database.Path)
	storeCfg.RetentionDays = cfg.Database.RetentionDays
	storeCfg.MaxReadings = cfg.Database.MaxReadings
	store, err := sqlite.New(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}

	retry := backoff.Policy{Base: cfg.Sync.RetryBase, Max: cfg.Sync.RetryMax}
	backend := httptransport.New(cfg.Backend.BaseURL,
		httptransport.WithHTTPClient(&bearerDoer{
			token: cfg.Backend.AuthToken,
			base:  &http.Client{Timeout: cfg.Backend.Timeout},
		}),
		httptransport.WithRetryPolicy(retry, 3),
		httptransport.WithLogger(logger.WithComponent("transport")),
	)

	engine, err := glucosync.New(store, backend, glucosync.Options{
		MaxRetries:           cfg.Sync.MaxRetries,
		Retry:                retry,
		SyncInterval:         cfg.Sync.Interval,
		DisableImmediatePush: cfg.Sync.DisableImmediatePush,
		Logger:               logger.WithComponent("engine"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{cfg: cfg, store: store, engine: engine}, nil
}

var (
	addValue   float64
	addUnits   string
	addContext string
	addNotes   string
	addTime    string
)

// addCmd records a reading locally and pushes it when the backend is
// reachable.
var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Record a glucose reading",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		clinicalTime := time.Now()
		if addTime != "" {
			clinicalTime, err = time.Parse(time.RFC3339, addTime)
			if err != nil {
				return fmt.Errorf("parsing --time: %w", err)
			}
		}

		r, err := a.engine.AddReading(cmd.Context(), glucosync.ReadingInput{
			Value:       addValue,
			Units:       glucose.Units(addUnits),
			MealContext: glucose.MealContext(addContext),
			Time:        clinicalTime,
			Notes:       addNotes,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Recorded %s reading %.1f %s (%s)\n", r.Status, r.Value, r.Units, r.LocalID)
		return nil
	},
}

var listLimit int

// listCmd prints local readings, most recent first.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List locally stored readings",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		readings, err := a.engine.Readings(cmd.Context())
		if err != nil {
			return err
		}
		if listLimit > 0 && len(readings) > listLimit {
			readings = readings[:listLimit]
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tVALUE\tUNITS\tCONTEXT\tSTATUS\tSYNCED")
		for _, r := range readings {
			fmt.Fprintf(w, "%s\t%.1f\t%s\t%s\t%s\t%s\n",
				r.Time.Format("2006-01-02 15:04"), r.Value, r.Units,
				r.MealContext, r.Status, syncedLabel(r))
		}
		return w.Flush()
	},
}

func syncedLabel(r *glucose.Reading) string {
	if r.Synced {
		return "yes"
	}
	return "pending"
}

// syncCmd runs one full push and pull.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push pending readings and pull remote state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		result, err := a.engine.Sync(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Pushed %d, failed %d, dead-lettered %d; pulled %d (%d new, %d merged) in %s\n",
			result.Push.Succeeded, result.Push.Failed, result.Push.DeadLettered,
			result.Pull.Fetched, result.Pull.Added, result.Pull.Merged,
			result.Duration.Round(time.Millisecond))
		if result.Push.RetryAfter > 0 {
			fmt.Printf("Retry suggested in %s\n", result.Push.RetryAfter.Round(time.Millisecond))
		}
		for _, err := range result.Errors {
			fmt.Fprintf(os.Stderr, "sync error: %v\n", err)
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("sync finished with %d error(s)", len(result.Errors))
		}
		return nil
	},
}

// statusCmd summarizes the local database and the outbound queue.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local store and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		stats, err := a.store.Stats(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Database: %s (schema v%d)\n", a.cfg.Database.Path, stats.SchemaVersion)
		fmt.Printf("Readings: %d\n", stats.Readings)
		fmt.Printf("Pending queue items: %d\n", stats.QueueItems)
		fmt.Printf("Cached appointments: %d\n", stats.Appointments)

		unsynced, err := a.store.UnsyncedReadings(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Unsynced readings: %d\n", len(unsynced))
		return nil
	},
}

var pruneDays int

// pruneCmd removes old readings by clinical time.
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete readings older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		days := pruneDays
		if days <= 0 {
			days = a.cfg.Database.RetentionDays
		}
		removed, err := a.store.PruneOldData(cmd.Context(), days)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d reading(s) older than %d days\n", removed, days)
		return nil
	},
}

// watchCmd keeps the process alive, syncing on the configured interval.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run periodic sync until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-signalChan
			fmt.Println("\nShutdown signal received...")
			cancel()
		}()

		if err := a.engine.StartAutoSync(ctx); err != nil {
			return err
		}
		defer a.engine.StopAutoSync()

		fmt.Printf("Syncing every %s. Press Ctrl+C to stop.\n", a.cfg.Sync.Interval)
		<-ctx.Done()
		return nil
	},
}

// shareCmd queues a share action for an appointment.
var shareCmd = &cobra.Command{
	Use:   "share [appointment-id]",
	Short: "Share an appointment through the backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.engine.ShareAppointment(cmd.Context(), args[0]); err != nil {
			return err
		}
		pending, err := a.engine.PendingCount(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Share queued (%d pending operations)\n", pending)
		return nil
	},
}

// logoutCmd wipes local data and halts syncing.
var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear all local data and stop syncing",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.engine.HandleLogout(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Local data cleared.")
		return nil
	},
}
