package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/avatarstream/internal/logging"
	"github.com/andresmejia3/avatarstream/internal/store"
	"github.com/andresmejia3/avatarstream/internal/utils"
	"github.com/spf13/cobra"
)

// Options holds shared configuration for prepare, infer, stream and idle commands
type Options struct {
	AvatarID        string
	Source          string
	BBoxShift       int
	ExtraMargin     int
	ParsingMode     string
	LeftCheekWidth  int
	RightCheekWidth int
	Force           bool

	AudioPath  string
	OutputPath string
	BatchSize  int
	FPS        int
	PadLeft    int
	PadRight   int
	QueueDepth int
	PopTimeout string
	Warmup     bool

	NATSURL  string
	Segment  string
	Realtime bool
	IdleLead int

	FrameIndex uint64
}

var (
	// DB is the optional registry connection shared by subcommands. It stays
	// nil unless --db or POSTGRES_HOST is set.
	DB *store.Store
	// dbURL is the connection string
	dbURL string
	// storeURI selects where bundles are persisted
	storeURI string
	// workerOpts configure the Python model worker
	workerOpts struct {
		Python  string
		Script  string
		Timeout string
		Debug   bool
	}
)

// errReported marks an error whose details were already printed in an error box.
var errReported = errors.New("error reported")

// fail prints the boxed error, including any captured worker logs, and
// returns errReported so Execute only sets the exit code.
func fail(context string, err error, s *utils.SafeCommand) error {
	utils.ShowError(context, err, s)
	return errReported
}

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "avatarstream",
	Short:         "Real-time talking-avatar frame pipeline",
	Version:       Version, // This enables the --version flag
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		if storeURI == "" {
			storeURI = getEnvOrDefault("AVATAR_STORE", "./data/avatars")
		}

		url := resolveDBURL(dbURL)
		if url == "" {
			return nil
		}
		// Use the command's context (which will be cancellable) for the connection
		var err error
		DB, err = store.New(cmd.Context(), url)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
}

// shutdown releases the registry connection and flushes logs. It runs after
// every command, including failed ones, which skip PersistentPostRun.
func shutdown() {
	if DB != nil {
		// Use Background here because the main context might be cancelled already (due to Ctrl+C)
		// and we still need to send the "Close" command to the DB.
		DB.Close(context.Background())
		DB = nil
	}
	logging.Sync()
}

// resolveDBURL returns the flag value, or a URL built from the POSTGRES_*
// environment, or "" when no registry is configured.
func resolveDBURL(flag string) string {
	if flag != "" {
		return flag
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := getEnvOrDefault("POSTGRES_DB", "avatarstream")
	port := getEnvOrDefault("POSTGRES_PORT", "5432")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := run(ctx); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// run executes the root command and always cleans up before returning.
func run(ctx context.Context) error {
	defer shutdown()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&dbURL, "db", "", "PostgreSQL registry connection string (default: built from POSTGRES_* env, registry disabled if unset)")
	pf.StringVar(&storeURI, "store", "", "Bundle store: a directory, file://<dir> or s3://<bucket>/<prefix> (default: $AVATAR_STORE or ./data/avatars)")
	pf.StringVar(&workerOpts.Python, "python", "python3", "Python interpreter for the model worker")
	pf.StringVar(&workerOpts.Script, "worker-script", "python/avatar_worker.py", "Model worker script")
	pf.StringVar(&workerOpts.Timeout, "worker-timeout", "2m", "Maximum time to wait for a single model call")
	pf.BoolVar(&workerOpts.Debug, "debug", false, "Run the model worker in debug mode")
}
