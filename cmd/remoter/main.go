package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/CZERTAINLY/Remoter/internal/asyncjob"
	"github.com/CZERTAINLY/Remoter/internal/history"
	"github.com/CZERTAINLY/Remoter/internal/log"
	"github.com/CZERTAINLY/Remoter/internal/model"
	"github.com/CZERTAINLY/Remoter/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/remoter on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagForce          bool   // value of push --force
	flagKind           string // value of history --kind
	flagLimit          int    // value of history --limit
)

var errJobFailed = errors.New("job failed")

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "remoter")

	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is remoter.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	pushCmd.Flags().BoolVar(&flagForce, "force", false, "force push the branch")
	historyCmd.Flags().StringVar(&flagKind, "kind", "", "show jobs of given kind only")
	historyCmd.Flags().IntVar(&flagLimit, "limit", 20, "maximum number of entries")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initRemoter
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return closeLog()
	}

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pushTagsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errJobFailed) {
			slog.Error("remoter failed", "err", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "remoter",
	Short:        "Runs git remote operations in the background and reports their progress",
	SilenceUsage: true,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "fetch the configured branch from the remote",
	RunE:  doOnce(service.KindFetch),
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "push the configured branch to the remote",
	RunE:  doOnce(service.KindPush),
}

var pushTagsCmd = &cobra.Command{
	Use:   "push-tags",
	Short: "push all tags to the remote",
	RunE:  doOnce(service.KindPushTags),
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "run auto fetch and report jobs until interrupted",
	RunE:  doWatch,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "list recently finished jobs",
	RunE:  doHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a remoter",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("remoter: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("remoter: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func cmdContext(cmd *cobra.Command) context.Context {
	attrs := slog.Group("remoter",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}

func doOnce(kind asyncjob.Kind) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := service.New(ctx, config, service.NewTextRenderer(os.Stderr))
		if err != nil {
			return err
		}
		defer app.Close(context.WithoutCancel(ctx))

		req := app.Configured()
		req.Force = flagForce && kind == service.KindPush
		slog.DebugContext(ctx, "requesting a job", "kind", kind, "request", req)

		res, err := app.Once(ctx, kind, req)
		if err != nil {
			return err
		}
		if !res.Succeeded() {
			return errJobFailed
		}
		return nil
	}
}

func doWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := service.New(ctx, config, service.NewTextRenderer(os.Stderr))
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))

	if err := app.Request(ctx, service.KindFetch); err != nil {
		return err
	}
	return app.Do(ctx)
}

func doHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd)
	if config.History == nil || !model.Get(config.History.Enabled) {
		return errors.New("history is not enabled in the configuration")
	}
	path := config.History.Path
	if path == "" {
		path = "remoter.db"
	}
	store, err := history.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	entries, err := store.List(ctx, asyncjob.Kind(flagKind), flagLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tKIND\tREMOTE\tBRANCH\tTOOK\tRESULT")
	for _, e := range entries {
		result := fmt.Sprintf("%d", e.Metric)
		if !e.Succeeded() {
			result = e.Message
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.StartedAt.Local().Format(time.DateTime),
			e.Kind,
			e.Remote,
			e.Branch,
			e.StoppedAt.Sub(e.StartedAt).Round(time.Millisecond),
			result,
		)
	}
	return w.Flush()
}

func initRemoter(cmd *cobra.Command, _ []string) error {
	if envConfig := os.Getenv("REMOTERCONFIG"); envConfig != "" {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "remoter.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "remoter.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *cfg
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		verbose := true
		config.Service.Verbose = &verbose
	}

	// initialize logging
	w, closer, err := log.Output(config.LogOutput())
	if err != nil {
		return fmt.Errorf("initializing log output: %w", err)
	}
	closeLog = closer
	slog.SetDefault(log.New(w, config.Verbose()))

	slog.Debug("remoter run", "configPath", configPath)
	slog.Debug("remoter run", "request", config.Request())
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
