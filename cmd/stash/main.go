package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stashcache/stash/pkg/apierr"
	"github.com/stashcache/stash/pkg/archive"
	"github.com/stashcache/stash/pkg/config"
	"github.com/stashcache/stash/pkg/controlplane"
	"github.com/stashcache/stash/pkg/deploy"
	"github.com/stashcache/stash/pkg/log"
	"github.com/stashcache/stash/pkg/metrics"
	"github.com/stashcache/stash/pkg/signer"
	"github.com/stashcache/stash/pkg/storage"
	"github.com/stashcache/stash/pkg/substituter"
	"github.com/stashcache/stash/pkg/supervisor"
	"github.com/stashcache/stash/pkg/token"
	"github.com/stashcache/stash/pkg/types"
	"github.com/stashcache/stash/pkg/upload"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "stash",
	Short:   "stash is a self-hosted binary artifact cache server",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("stash version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "/etc/cache-server/config.ini", "path to the cache-server INI configuration file")
	rootCmd.PersistentFlags().String("run-dir", "/var/run/stash", "directory PID files are tracked under")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(storePathCmd)
	rootCmd.AddCommand(hiddenStartCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func flagString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(flagString(cmd, "config"))
}

func openStore(cfg *config.Config) (*storage.SQLiteStore, error) {
	return storage.Open(cfg.Database)
}

// requireServerRunning enforces spec.md's rule that every command other
// than listen/stop/hidden-start needs a running management endpoint.
func requireServerRunning(runDir string) error {
	if _, err := supervisor.ReadPID(runDir, supervisor.ManagementName); err != nil {
		return apierr.New(apierr.NotFound, "server is not running")
	}
	return nil
}

// reexecSelf launches a detached copy of the current binary with args,
// returning once the child is started. The child becomes session leader
// so it survives the parent's exit.
func reexecSelf(args ...string) error {
	exe, err := os.Executable()
	if err != nil {
		return apierr.Wrap(apierr.IOFailure, err, "resolving own executable path")
	}
	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return apierr.Wrap(apierr.IOFailure, err, "spawning detached process")
	}
	return nil
}

// ---- listen / stop ----

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Start the management endpoint as a detached background process",
	RunE: func(cmd *cobra.Command, args []string) error {
		runDir := flagString(cmd, "run-dir")
		if _, err := supervisor.ReadPID(runDir, supervisor.ManagementName); err == nil {
			return apierr.New(apierr.AlreadyExists, "server is already running")
		}
		return reexecSelf("hidden-start", "server",
			"--config", flagString(cmd, "config"),
			"--run-dir", runDir,
			"--log-level", flagString(cmd, "log-level"))
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the management endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		runDir := flagString(cmd, "run-dir")
		if err := supervisor.Terminate(runDir, supervisor.ManagementName); err != nil {
			return err
		}
		fmt.Println("Server stopped.")
		return nil
	},
}

var hiddenStartCmd = &cobra.Command{
	Use:    "hidden-start",
	Hidden: true,
	Args:   cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "server":
			return runServer(cmd)
		case "cache":
			if len(args) != 2 {
				return apierr.New(apierr.BadRequest, "hidden-start cache requires a cache name")
			}
			return runCache(cmd, args[1])
		default:
			return apierr.New(apierr.BadRequest, "unknown hidden-start target %q", args[0])
		}
	},
}

func runServer(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runDir, err := supervisor.RunDir(flagString(cmd, "run-dir"))
	if err != nil {
		return err
	}

	coord := deploy.NewCoordinator(24 * time.Hour)
	reapStop := make(chan struct{})
	coord.StartReaper(time.Hour, reapStop)
	defer close(reapStop)

	refreshStop := make(chan struct{})
	go refreshCacheGauge(store, time.Minute, refreshStop)
	defer close(refreshStop)

	srv := &controlplane.Server{
		Store:    store,
		CacheDir: cfg.CacheDir,
		Uploads:  upload.NewTable(),
		Coord:    coord,
	}
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.ServerPort), Handler: srv.Router()}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info(fmt.Sprintf("management endpoint listening on :%d", cfg.ServerPort))
	return supervisor.Listen(ctx, runDir, httpSrv)
}

// refreshCacheGauge recomputes the public/private cache counts from the
// database once per interval, since caches are created and deleted by a
// separate CLI process that never touches this process's metric registry.
func refreshCacheGauge(store *storage.SQLiteStore, interval time.Duration, stop <-chan struct{}) {
	refresh := func() {
		public, err := store.ListCaches(context.Background(), types.CacheFilterPublic)
		if err != nil {
			return
		}
		private, err := store.ListCaches(context.Background(), types.CacheFilterPrivate)
		if err != nil {
			return
		}
		metrics.CachesTotal.WithLabelValues(string(types.AccessPublic)).Set(float64(len(public)))
		metrics.CachesTotal.WithLabelValues(string(types.AccessPrivate)).Set(float64(len(private)))
	}
	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			refresh()
		case <-stop:
			return
		}
	}
}

// ---- cache ----

var cacheCmd = &cobra.Command{Use: "cache", Short: "Manage binary caches"}

func init() {
	createCmd := &cobra.Command{
		Use:   "create <name> <port>",
		Short: "Create a binary cache",
		Args:  cobra.ExactArgs(2),
		RunE:  runCacheCreate,
	}
	createCmd.Flags().IntP("retention", "r", -1, "retention in weeks, -1 for never expire")

	startCmd := &cobra.Command{Use: "start <name>", Short: "Start a cache's substituter endpoint", Args: cobra.ExactArgs(1), RunE: runCacheStart}
	stopCacheCmd := &cobra.Command{Use: "stop <name>", Short: "Stop a cache's substituter endpoint", Args: cobra.ExactArgs(1), RunE: runCacheStop}
	deleteCmd := &cobra.Command{Use: "delete <name>", Short: "Delete a binary cache", Args: cobra.ExactArgs(1), RunE: runCacheDelete}
	infoCmd := &cobra.Command{Use: "info <name>", Short: "Show a binary cache's record", Args: cobra.ExactArgs(1), RunE: runCacheInfo}

	updateCmd := &cobra.Command{Use: "update <name>", Short: "Update a binary cache", Args: cobra.ExactArgs(1), RunE: runCacheUpdate}
	updateCmd.Flags().StringP("name", "n", "", "new name")
	updateCmd.Flags().StringP("access", "a", "", "public|private")
	updateCmd.Flags().IntP("port", "p", 0, "new port")
	updateCmd.Flags().IntP("retention", "r", 0, "new retention in weeks")

	listCmd := &cobra.Command{Use: "list", Short: "List binary caches", RunE: runCacheList}
	listCmd.Flags().BoolP("public", "p", false, "only public caches")
	listCmd.Flags().BoolP("private", "P", false, "only private caches")

	cacheCmd.AddCommand(createCmd, startCmd, stopCacheCmd, deleteCmd, infoCmd, updateCmd, listCmd)
}

func runCacheCreate(cmd *cobra.Command, args []string) error {
	runDir := flagString(cmd, "run-dir")
	if err := requireServerRunning(runDir); err != nil {
		return err
	}
	name := args[0]
	port, err := strconv.Atoi(args[1])
	if err != nil {
		return apierr.Wrap(apierr.BadRequest, err, "invalid port %q", args[1])
	}
	retention, _ := cmd.Flags().GetInt("retention")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	if _, err := store.GetCache(ctx, name); err == nil {
		return apierr.New(apierr.AlreadyExists, "binary cache %s already exists", name)
	}
	if _, err := store.GetCacheByPort(ctx, port); err == nil {
		return apierr.New(apierr.AlreadyExists, "there already is a binary cache with port %d", port)
	}

	dir, err := archive.EnsureDir(cfg.CacheDir, name)
	if err != nil {
		return err
	}
	if _, err := signer.Generate(dir, name, cfg.Hostname); err != nil {
		return err
	}

	tok, err := token.Issue(name, cfg.Key)
	if err != nil {
		return err
	}

	c := &types.BinaryCache{
		ID:        generateID(),
		Name:      name,
		URL:       fmt.Sprintf("http://%s.%s", name, cfg.Hostname),
		Token:     tok,
		Access:    types.AccessPublic,
		Port:      port,
		Retention: retention,
	}
	return store.InsertCache(ctx, c)
}

func runCacheStart(cmd *cobra.Command, args []string) error {
	runDir := flagString(cmd, "run-dir")
	if err := requireServerRunning(runDir); err != nil {
		return err
	}
	name := args[0]
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	c, err := store.GetCache(context.Background(), name)
	store.Close()
	if err != nil {
		return apierr.New(apierr.NotFound, "binary cache %s does not exist", name)
	}
	if _, err := supervisor.ReadPID(runDir, c.ID); err == nil {
		return apierr.New(apierr.AlreadyExists, "binary cache %s is already running", name)
	}
	if err := reexecSelf("hidden-start", "cache", name,
		"--config", flagString(cmd, "config"),
		"--run-dir", runDir); err != nil {
		return err
	}
	fmt.Printf("Binary cache %s starting on port %d\n", name, c.Port)
	return nil
}

func runCache(cmd *cobra.Command, name string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := store.GetCache(context.Background(), name)
	if err != nil {
		return apierr.New(apierr.NotFound, "binary cache %s does not exist", name)
	}

	dir := archive.Dir(cfg.CacheDir, name)
	kp, err := signer.LoadPrivate(dir)
	if err != nil {
		return err
	}

	runDir, err := supervisor.RunDir(flagString(cmd, "run-dir"))
	if err != nil {
		return err
	}
	if err := supervisor.WritePID(runDir, c.ID); err != nil {
		return err
	}
	defer supervisor.RemovePID(runDir, c.ID)

	stop := make(chan struct{})
	if c.Retention > 0 {
		archive.StartGC(dir, c.Retention, archive.SignCorrected, stop)
	}

	sub := &substituter.Server{Store: store, Cache: c, Dir: dir, KeyPair: kp}
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", c.Port), Handler: sub.Router()}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.WithCache(name).Info().Int("port", c.Port).Msg("binary cache substituter listening")
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		close(stop)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return apierr.Wrap(apierr.IOFailure, err, "substituter listener for %s", name)
		}
		return nil
	}
}

func runCacheStop(cmd *cobra.Command, args []string) error {
	runDir := flagString(cmd, "run-dir")
	if err := requireServerRunning(runDir); err != nil {
		return err
	}
	name := args[0]
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	c, err := store.GetCache(context.Background(), name)
	store.Close()
	if err != nil {
		return apierr.New(apierr.NotFound, "binary cache %s does not exist", name)
	}
	if err := supervisor.Terminate(runDir, c.ID); err != nil {
		return err
	}
	fmt.Println("Server stopped.")
	return nil
}

func runCacheDelete(cmd *cobra.Command, args []string) error {
	runDir := flagString(cmd, "run-dir")
	if err := requireServerRunning(runDir); err != nil {
		return err
	}
	name := args[0]
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	c, err := store.GetCache(ctx, name)
	if err != nil {
		return apierr.New(apierr.NotFound, "binary cache %s does not exist", name)
	}

	workspaces, err := store.ListWorkspaces(ctx)
	if err != nil {
		return err
	}
	for _, ws := range workspaces {
		if ws.CacheName == name {
			return apierr.New(apierr.InUse, "binary cache %s is connected to workspace %s", name, ws.Name)
		}
	}

	if _, err := supervisor.ReadPID(runDir, c.ID); err == nil {
		return apierr.New(apierr.InUse, "binary cache %s is running", name)
	}

	if err := store.DeleteAllCachePaths(ctx, name); err != nil {
		return err
	}
	if err := store.DeleteCache(ctx, name); err != nil {
		return err
	}
	return os.RemoveAll(archive.Dir(cfg.CacheDir, name))
}

func runCacheInfo(cmd *cobra.Command, args []string) error {
	runDir := flagString(cmd, "run-dir")
	if err := requireServerRunning(runDir); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := store.GetCache(context.Background(), args[0])
	if err != nil {
		return apierr.New(apierr.NotFound, "binary cache %s does not exist", args[0])
	}

	retention := strconv.Itoa(c.Retention)
	if c.Retention == -1 {
		retention = ""
	}
	fmt.Printf("Id: %s\nName: %s\nUrl: %s\nToken: %s\nAccess: %s\nPort: %d\nRetention: %s\n",
		c.ID, c.Name, c.URL, c.Token, c.Access, c.Port, retention)
	return nil
}

func runCacheUpdate(cmd *cobra.Command, args []string) error {
	runDir := flagString(cmd, "run-dir")
	if err := requireServerRunning(runDir); err != nil {
		return err
	}
	name := args[0]
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	c, err := store.GetCache(ctx, name)
	if err != nil {
		return apierr.New(apierr.NotFound, "binary cache %s does not exist", name)
	}
	if _, err := supervisor.ReadPID(runDir, c.ID); err == nil {
		return apierr.New(apierr.InUse, "binary cache %s is running", name)
	}

	if access, _ := cmd.Flags().GetString("access"); access != "" {
		c.Access = types.Access(access)
	}

	if newName, _ := cmd.Flags().GetString("name"); newName != "" {
		if _, err := store.GetCache(ctx, newName); err == nil {
			fmt.Printf("ERROR: Binary cache %s already exists. Name won't be changed.\n", newName)
		} else {
			oldDir := archive.Dir(cfg.CacheDir, name)
			newDir := archive.Dir(cfg.CacheDir, newName)
			if err := os.Rename(oldDir, newDir); err != nil {
				return apierr.Wrap(apierr.IOFailure, err, "renaming cache directory")
			}
			if err := store.RenameCacheInWorkspaces(ctx, name, newName); err != nil {
				return err
			}
			if err := store.RenameCacheInPaths(ctx, name, newName); err != nil {
				return err
			}
			tok, err := token.Issue(newName, cfg.Key)
			if err != nil {
				return err
			}
			c.Name = newName
			c.URL = fmt.Sprintf("http://%s.%s", newName, cfg.Hostname)
			c.Token = tok
		}
	}

	if retention, _ := cmd.Flags().GetInt("retention"); retention != 0 {
		c.Retention = retention
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		c.Port = port
	}

	return store.UpdateCache(ctx, c)
}

func runCacheList(cmd *cobra.Command, args []string) error {
	runDir := flagString(cmd, "run-dir")
	if err := requireServerRunning(runDir); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	filter := types.CacheFilterAll
	if public, _ := cmd.Flags().GetBool("public"); public {
		filter = types.CacheFilterPublic
	} else if private, _ := cmd.Flags().GetBool("private"); private {
		filter = types.CacheFilterPrivate
	}

	caches, err := store.ListCaches(context.Background(), filter)
	if err != nil {
		return err
	}
	for _, c := range caches {
		fmt.Println(c.Name)
	}
	return nil
}

// ---- agent ----

var agentCmd = &cobra.Command{Use: "agent", Short: "Manage deployment agents"}

func init() {
	agentCmd.AddCommand(
		&cobra.Command{Use: "add <name> <workspace>", Short: "Add an agent to a workspace", Args: cobra.ExactArgs(2), RunE: runAgentAdd},
		&cobra.Command{Use: "remove <name>", Short: "Remove an agent", Args: cobra.ExactArgs(1), RunE: runAgentRemove},
		&cobra.Command{Use: "info <name>", Short: "Show an agent's record", Args: cobra.ExactArgs(1), RunE: runAgentInfo},
		&cobra.Command{Use: "list <workspace>", Short: "List a workspace's agents", Args: cobra.ExactArgs(1), RunE: runAgentList},
	)
}

func runAgentAdd(cmd *cobra.Command, args []string) error {
	if err := requireServerRunning(flagString(cmd, "run-dir")); err != nil {
		return err
	}
	name, wsName := args[0], args[1]
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	if _, err := store.GetAgent(ctx, name); err == nil {
		return apierr.New(apierr.AlreadyExists, "agent %s already exists", name)
	}
	if _, err := store.GetWorkspace(ctx, wsName); err != nil {
		return apierr.New(apierr.NotFound, "workspace %s does not exist", wsName)
	}

	tok, err := token.Issue(name, cfg.Key)
	if err != nil {
		return err
	}
	return store.InsertAgent(ctx, &types.Agent{ID: generateID(), Name: name, Token: tok, WorkspaceName: wsName})
}

func runAgentRemove(cmd *cobra.Command, args []string) error {
	if err := requireServerRunning(flagString(cmd, "run-dir")); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.GetAgent(context.Background(), args[0]); err != nil {
		return apierr.New(apierr.NotFound, "agent %s does not exist", args[0])
	}
	return store.DeleteAgent(context.Background(), args[0])
}

func runAgentInfo(cmd *cobra.Command, args []string) error {
	if err := requireServerRunning(flagString(cmd, "run-dir")); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	a, err := store.GetAgent(context.Background(), args[0])
	if err != nil {
		return apierr.New(apierr.NotFound, "agent %s does not exist", args[0])
	}
	fmt.Printf("Id: %s\nName: %s\nToken: %s\nWorkspace: %s\n", a.ID, a.Name, a.Token, a.WorkspaceName)
	return nil
}

func runAgentList(cmd *cobra.Command, args []string) error {
	if err := requireServerRunning(flagString(cmd, "run-dir")); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	if _, err := store.GetWorkspace(ctx, args[0]); err != nil {
		return apierr.New(apierr.NotFound, "workspace %s does not exist", args[0])
	}
	agents, err := store.ListAgents(ctx, args[0])
	if err != nil {
		return err
	}
	for _, a := range agents {
		fmt.Println(a.Name)
	}
	return nil
}

// ---- workspace ----

var workspaceCmd = &cobra.Command{Use: "workspace", Short: "Manage workspaces"}

func init() {
	workspaceCmd.AddCommand(
		&cobra.Command{Use: "create <name> <cache>", Short: "Create a workspace", Args: cobra.ExactArgs(2), RunE: runWorkspaceCreate},
		&cobra.Command{Use: "delete <name>", Short: "Delete a workspace", Args: cobra.ExactArgs(1), RunE: runWorkspaceDelete},
		&cobra.Command{Use: "info <name>", Short: "Show a workspace's record", Args: cobra.ExactArgs(1), RunE: runWorkspaceInfo},
		&cobra.Command{Use: "list", Short: "List workspaces", RunE: runWorkspaceList},
		&cobra.Command{Use: "cache <name> <cache>", Short: "Point a workspace at a different cache", Args: cobra.ExactArgs(2), RunE: runWorkspaceCache},
	)
}

func runWorkspaceCreate(cmd *cobra.Command, args []string) error {
	if err := requireServerRunning(flagString(cmd, "run-dir")); err != nil {
		return err
	}
	name, cacheName := args[0], args[1]
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	if _, err := store.GetWorkspace(ctx, name); err == nil {
		return apierr.New(apierr.AlreadyExists, "workspace %s already exists", name)
	}
	if _, err := store.GetCache(ctx, cacheName); err != nil {
		return apierr.New(apierr.NotFound, "binary cache %s does not exist", cacheName)
	}

	tok, err := token.Issue(name, cfg.Key)
	if err != nil {
		return err
	}
	return store.InsertWorkspace(ctx, &types.Workspace{ID: generateID(), Name: name, Token: tok, CacheName: cacheName})
}

func runWorkspaceDelete(cmd *cobra.Command, args []string) error {
	if err := requireServerRunning(flagString(cmd, "run-dir")); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.GetWorkspace(context.Background(), args[0]); err != nil {
		return apierr.New(apierr.NotFound, "workspace %s does not exist", args[0])
	}
	if err := store.DeleteAllWorkspaceAgents(context.Background(), args[0]); err != nil {
		return err
	}
	return store.DeleteWorkspace(context.Background(), args[0])
}

func runWorkspaceInfo(cmd *cobra.Command, args []string) error {
	if err := requireServerRunning(flagString(cmd, "run-dir")); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ws, err := store.GetWorkspace(context.Background(), args[0])
	if err != nil {
		return apierr.New(apierr.NotFound, "workspace %s does not exist", args[0])
	}
	fmt.Printf("Id: %s\nName: %s\nToken: %s\nBinary cache: %s\n", ws.ID, ws.Name, ws.Token, ws.CacheName)
	return nil
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	if err := requireServerRunning(flagString(cmd, "run-dir")); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	workspaces, err := store.ListWorkspaces(context.Background())
	if err != nil {
		return err
	}
	for _, ws := range workspaces {
		fmt.Println(ws.Name)
	}
	return nil
}

func runWorkspaceCache(cmd *cobra.Command, args []string) error {
	if err := requireServerRunning(flagString(cmd, "run-dir")); err != nil {
		return err
	}
	name, cacheName := args[0], args[1]
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	ws, err := store.GetWorkspace(ctx, name)
	if err != nil {
		return apierr.New(apierr.NotFound, "workspace %s does not exist", name)
	}
	if _, err := store.GetCache(ctx, cacheName); err != nil {
		return apierr.New(apierr.NotFound, "binary cache %s does not exist", cacheName)
	}
	ws.CacheName = cacheName
	return store.UpdateWorkspace(ctx, ws)
}

// ---- store-path ----

var storePathCmd = &cobra.Command{Use: "store-path", Short: "Inspect archived store paths"}

func init() {
	storePathCmd.AddCommand(
		&cobra.Command{Use: "list <cache>", Short: "List a cache's store paths", Args: cobra.ExactArgs(1), RunE: runStorePathList},
		&cobra.Command{Use: "delete <hash> <cache>", Short: "Delete a store path", Args: cobra.ExactArgs(2), RunE: runStorePathDelete},
		&cobra.Command{Use: "info <hash> <cache>", Short: "Show a store path's record", Args: cobra.ExactArgs(2), RunE: runStorePathInfo},
	)
}

func runStorePathList(cmd *cobra.Command, args []string) error {
	if err := requireServerRunning(flagString(cmd, "run-dir")); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	if _, err := store.GetCache(ctx, args[0]); err != nil {
		return apierr.New(apierr.NotFound, "binary cache %s does not exist", args[0])
	}
	paths, err := store.ListStorePaths(ctx, args[0])
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p.StoreSuffix)
	}
	return nil
}

func runStorePathDelete(cmd *cobra.Command, args []string) error {
	if err := requireServerRunning(flagString(cmd, "run-dir")); err != nil {
		return err
	}
	hash, cacheName := args[0], args[1]
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	c, err := store.GetCache(ctx, cacheName)
	if err != nil {
		return apierr.New(apierr.NotFound, "binary cache %s does not exist", cacheName)
	}
	sp, err := store.GetStorePathByHash(ctx, cacheName, hash)
	if err != nil {
		return apierr.New(apierr.NotFound, "store path not found")
	}

	dir := archive.Dir(cfg.CacheDir, c.Name)
	if err := archive.Abort(dir, sp.FileHash); err != nil && !apierr.Is(err, apierr.NotFound) {
		return err
	}
	return store.DeleteStorePath(ctx, cacheName, hash)
}

func runStorePathInfo(cmd *cobra.Command, args []string) error {
	if err := requireServerRunning(flagString(cmd, "run-dir")); err != nil {
		return err
	}
	hash, cacheName := args[0], args[1]
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.GetCache(context.Background(), cacheName); err != nil {
		return apierr.New(apierr.NotFound, "binary cache %s does not exist", cacheName)
	}
	sp, err := store.GetStorePathByHash(context.Background(), cacheName, hash)
	if err != nil {
		return apierr.New(apierr.NotFound, "store path not found")
	}
	fmt.Printf("Store hash: %s\nStore suffix: %s\nFile hash: %s\n", sp.StoreHash, sp.StoreSuffix, sp.FileHash)
	return nil
}

func generateID() string {
	return uuid.NewString()
}
