package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/viperbmw/netstacks-sub000/config"
	"github.com/viperbmw/netstacks-sub000/events"
	"github.com/viperbmw/netstacks-sub000/logger"
	"github.com/viperbmw/netstacks-sub000/rest"
	"github.com/viperbmw/netstacks-sub000/sandbox"
	"github.com/viperbmw/netstacks-sub000/storage"
	"github.com/viperbmw/netstacks-sub000/types"
	"github.com/viperbmw/netstacks-sub000/workflow"
)

type store interface {
	storage.Storage
	storage.StepTypeRegistry
}

type cli struct {
	v   *viper.Viper
	cfg config.Config

	contextFile  string
	workflowsDir string
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.v)
	if err != nil {
		return err
	}
	c.cfg = cfg
	return logger.Init(cfg.LogLevel)
}

// app is a fully wired engine and the resources it owns.
type app struct {
	engine *workflow.Engine
	bus    *events.EventBus
	closer func() error
}

func (a *app) Close() {
	a.bus.Stop()
	if a.closer != nil {
		if err := a.closer(); err != nil {
			logger.Warn("error closing storage", zap.Error(err))
		}
	}
	logger.Sync()
}

func (c *cli) newApp() (*app, error) {
	var (
		st     store
		closer func() error
	)
	switch c.cfg.StorageType {
	case config.StorageRedis:
		rs, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:     c.cfg.Redis.Addr,
			Password: c.cfg.Redis.Password,
			DB:       c.cfg.Redis.DB,
			RunTTL:   c.cfg.Redis.RunTTL,
		})
		if err != nil {
			return nil, err
		}
		st, closer = rs, rs.Close
	default:
		st = storage.NewMemoryStorage()
	}

	bus := events.NewEventBus()
	bus.SubscribeAll(events.EventHandlerFunc(func(_ context.Context, e events.Event) error {
		logger.Debug("run event",
			zap.String("type", e.Type),
			zap.Uint64("run_id", e.RunID),
			zap.String("workflow", e.WorkflowName),
			zap.Any("data", e.Data))
		return nil
	}))

	engine := workflow.NewEngine(
		workflow.WithStorage(st),
		workflow.WithStepTypes(storage.NewCachedRegistry(st, c.cfg.StepTypeTTL)),
		workflow.WithEventBus(bus),
		workflow.WithSandbox(sandbox.NewExecutor(sandbox.WithTimeout(c.cfg.ScriptTimeout))),
		workflow.WithLogger(logger.L()),
		workflow.WithMaxSteps(c.cfg.MaxSteps),
		workflow.WithPingTimeout(c.cfg.PingTimeout),
		workflow.WithWebhookTimeout(c.cfg.WebhookTimeout),
	)
	return &app{engine: engine, bus: bus, closer: closer}, nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	wf, err := workflow.LoadFile(args[0])
	if err != nil {
		return err
	}
	initial, err := readContext(c.contextFile)
	if err != nil {
		return err
	}

	a, err := c.newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res := a.engine.Run(ctx, wf, initial)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.Status != types.RunCompleted {
		return fmt.Errorf("workflow %s failed: %s", res.WorkflowName, res.Error)
	}
	return nil
}

// readContext loads the initial run context. YAML is a superset of JSON, so
// both formats are accepted.
func readContext(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var initial map[string]any
	if err := yaml.Unmarshal(data, &initial); err != nil {
		return nil, fmt.Errorf("parsing context file %s: %w", path, err)
	}
	return initial, nil
}

func (c *cli) serve(cmd *cobra.Command, args []string) error {
	a, err := c.newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := registerDir(cmd.Context(), a.engine, c.workflowsDir); err != nil {
		return err
	}

	server := rest.NewServer(c.cfg.HTTPPort, a.engine)
	errc := make(chan error, 1)
	go func() { errc <- server.Start() }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
	case err := <-errc:
		return err
	}
	return server.Stop()
}

// registerDir registers every workflow file in dir so it can be run by name.
func registerDir(ctx context.Context, engine *workflow.Engine, dir string) error {
	if dir == "" {
		return nil
	}
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml", "*.json"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return err
		}
		files = append(files, matches...)
	}
	for _, file := range files {
		wf, err := workflow.LoadFile(file)
		if err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		if err := engine.RegisterWorkflow(ctx, *wf); err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		logger.Info("registered workflow", zap.String("name", wf.Name), zap.String("file", file))
	}
	return nil
}

func main() {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:               "netstacks",
		Short:             "Execute network automation workflows",
		PersistentPreRunE: c.setupConfig,
		SilenceUsage:      true,
	}
	if err := config.SetupFlags(root, c.v); err != nil {
		log.Fatal(err)
	}

	runCmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Run a workflow file once and print the result",
		Args:  cobra.ExactArgs(1),
		RunE:  c.run,
	}
	runCmd.Flags().StringVar(&c.contextFile, "context", "", "YAML or JSON file with the initial run context")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API over HTTP",
		Args:  cobra.NoArgs,
		RunE:  c.serve,
	}
	serveCmd.Flags().StringVar(&c.workflowsDir, "workflows", "", "directory of workflow files to register at startup")

	root.AddCommand(runCmd, serveCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
