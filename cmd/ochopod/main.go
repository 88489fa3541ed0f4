package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ochopod/agent/pkg/callback"
	"github.com/ochopod/agent/pkg/cluster"
	"github.com/ochopod/agent/pkg/config"
	"github.com/ochopod/agent/pkg/control"
	"github.com/ochopod/agent/pkg/coordinator"
	"github.com/ochopod/agent/pkg/hints"
	"github.com/ochopod/agent/pkg/lifecycle"
	"github.com/ochopod/agent/pkg/log"
	"github.com/ochopod/agent/pkg/metrics"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ochopod",
	Short:   "ochopod - ZooKeeper-coordinated container sidecar agent",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ochopod version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

var logTail = log.NewTail(500)

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
		Tail:       logTail,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pod agent: register, elect, and supervise the child process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd)
	},
}

func init() {
	runCmd.Flags().String("zookeeper", "127.0.0.1:2181", "comma-separated ZooKeeper ensemble (environment discovery is an external concern; this flag is the minimal glue to supply it)")
	runCmd.Flags().Duration("session-timeout", 10*time.Second, "ZooKeeper session timeout")
	runCmd.Flags().String("command", "", "command line the default LifeCycle spawns on configure (overridable by embedding this package with a custom callback.LifeCycle)")
	runCmd.Flags().Bool("shell", false, "run --command through /bin/sh -c instead of exec'ing it directly")
}

func runAgent(cmd *cobra.Command) error {
	metrics.SetVersion(Version)

	boot, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("ochopod: %w", err)
	}

	modelCfg, err := config.LoadModel()
	if err != nil {
		return fmt.Errorf("ochopod: %w", err)
	}

	ensemble, _ := cmd.Flags().GetString("zookeeper")
	sessionTimeout, _ := cmd.Flags().GetDuration("session-timeout")
	command, _ := cmd.Flags().GetString("command")
	shell, _ := cmd.Flags().GetBool("shell")

	podUUID := uuid.New().String()
	ip := outboundIP()
	node, _ := os.Hostname()

	breadcrumbs := hints.Breadcrumbs{
		Cluster:     boot.Cluster,
		Namespace:   boot.Namespace,
		Port:        boot.Port,
		IP:          ip,
		Public:      ip,
		Ports:       map[string]int{strconv.Itoa(boot.Port): boot.Port},
		Node:        node,
		Task:        podUUID,
		Application: boot.Cluster,
	}

	h := hints.New(podUUID, breadcrumbs)
	logger := log.WithPod(podUUID)

	lc := &shellLifeCycle{command: command}
	executor := lifecycle.New(h, lifecycle.Options{
		LifeCycle: lc,
		Start:     boot.Start,
		Shell:     shell,
	})

	factory := cluster.Factory{
		Callback:    callback.DefaultModel{},
		Config:      modelCfg,
		ClusterPath: fmt.Sprintf("/ochopod/clusters/%s.%s", boot.Namespace, boot.Cluster),
		Namespace:   boot.Namespace,
		Cluster:     boot.Cluster,
	}

	coord := coordinator.New(strings.Split(ensemble, ","), sessionTimeout, podUUID, breadcrumbs, h, factory.Start)
	surface := control.New(h, coord, executor, nil, logTail)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 3)
	go func() { errCh <- coord.Run(ctx) }()
	go func() { errCh <- executor.Run(ctx) }()
	go func() { errCh <- surface.Run(ctx, fmt.Sprintf(":%d", boot.Port)) }()

	logger.Info().Str("cluster", boot.Cluster).Str("namespace", boot.Namespace).Msg("ochopod agent started")

	select {
	case <-sigCh:
		logger.Info().Msg("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("component exited")
		}
	}

	cancel()
	return nil
}

// outboundIP resolves the local IP the OS would use to reach the public
// internet. It dials UDP, which never transmits a packet, purely to let the
// kernel pick a route.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

// shellLifeCycle is the default callback.LifeCycle used when this package
// is run as a standalone binary rather than embedded by a pod script: it
// spawns a single fixed command line with no dependency-driven templating.
type shellLifeCycle struct {
	callback.DefaultLifeCycle
	command string
}

func (l *shellLifeCycle) Configure(view hints.ClusterView) (string, map[string]string, error) {
	if l.command == "" {
		return "", nil, fmt.Errorf("ochopod: no --command configured")
	}
	return l.command, map[string]string{
		"OCHOPOD_INDEX": strconv.Itoa(view.Index),
		"OCHOPOD_SIZE":  strconv.Itoa(view.Size),
	}, nil
}
