// Command aetherd boots the aether kernel: it wires the EventBus, StateStore
// and every subsystem manager together, then serves the dispatcher over
// HTTP/WebSocket until interrupted.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aethercore/kernel/pkg/auth"
	"github.com/aethercore/kernel/pkg/cluster"
	"github.com/aethercore/kernel/pkg/container"
	"github.com/aethercore/kernel/pkg/cron"
	"github.com/aethercore/kernel/pkg/dispatcher"
	"github.com/aethercore/kernel/pkg/eventbus"
	"github.com/aethercore/kernel/pkg/log"
	"github.com/aethercore/kernel/pkg/memory"
	"github.com/aethercore/kernel/pkg/metrics"
	"github.com/aethercore/kernel/pkg/process"
	"github.com/aethercore/kernel/pkg/pty"
	"github.com/aethercore/kernel/pkg/snapshot"
	"github.com/aethercore/kernel/pkg/storage"
	"github.com/aethercore/kernel/pkg/types"
	"github.com/aethercore/kernel/pkg/vfs"
	"github.com/aethercore/kernel/pkg/webhook"
)

var (
	// Version is set via ldflags at build time.
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "aetherd",
	Short:   "aetherd is the aether agent-orchestrator kernel",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the kernel server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("root", "/tmp/aether", "Kernel filesystem root")
	serveCmd.Flags().String("addr", ":8420", "HTTP/WebSocket listen address")
	serveCmd.Flags().String("containerd-socket", "", "containerd socket path (auto-probed if empty)")
}

func runServe(cmd *cobra.Command, args []string) error {
	root, _ := cmd.Flags().GetString("root")
	addr, _ := cmd.Flags().GetString("addr")
	socketPath, _ := cmd.Flags().GetString("containerd-socket")

	logger := log.WithComponent("boot")

	dataDir := filepath.Join(root, "var", "db")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	metrics.SetVersion(Version)

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("storage", true, "bolt store open")

	bus := eventbus.New()
	metrics.RegisterComponent("eventbus", true, "")

	fs, err := vfs.New(root, bus)
	if err != nil {
		return fmt.Errorf("mount virtual filesystem: %w", err)
	}

	containerMgr := container.New(socketPath, filepath.Join(root, "var", "log"))
	defer containerMgr.Close()

	procMgr := process.New(store, bus, containerMgr)

	ptyMgr := pty.New(bus, containerMgr)

	memMgr := memory.New(store, bus)

	snapMgr, err := snapshot.New(store, bus, filepath.Join(root, "var", "snapshots"), procMgr, memMgr, fs)
	if err != nil {
		return fmt.Errorf("init snapshot manager: %w", err)
	}

	cronSpawn := func(ownerPID int, payload map[string]string) error {
		cfg := types.AgentConfig{Name: payload["name"], Role: payload["role"], Goal: payload["goal"]}
		proc, err := procMgr.Spawn(context.Background(), cfg, "", ownerPID)
		if err != nil {
			return err
		}
		return fs.CreateHome(proc.OwnerID)
	}
	cronEngine := cron.New(store, bus, cronSpawn)
	cronEngine.Start()
	defer cronEngine.Stop()

	secret := []byte(os.Getenv("AETHER_SECRET"))
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate session secret: %w", err)
		}
		logger.Warn().Msg("AETHER_SECRET not set; generated a random signing key, sessions will not survive a restart")
	}
	registrationOpen := os.Getenv("AETHER_REGISTRATION_OPEN") != "false"
	authMgr := auth.New(store, bus, secret, auth.WithRegistrationOpen(registrationOpen))
	if created, password, err := authMgr.EnsureDefaultAdmin(); err != nil {
		return fmt.Errorf("ensure default admin: %w", err)
	} else if created {
		logger.Warn().Str("username", auth.DefaultAdminUsername).Str("password", password).
			Msg("created default admin account; rotate this password immediately")
	}

	// webhook secrets are encrypted at rest under a key derived from the
	// same AETHER_SECRET that signs session tokens.
	webhookMgr := webhook.New(store, bus, secret)
	webhookMgr.Start()
	defer webhookMgr.Stop()

	clusterCfg := buildClusterConfig(procMgr, fs)
	clusterMgr := cluster.New(store, bus, clusterCfg)
	clusterMgr.Start()
	defer clusterMgr.Stop()

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	disp := dispatcher.New(bus, procMgr, fs, memMgr, cronEngine, snapMgr, ptyMgr, webhookMgr)
	disp.WithAuthorize(authMgr.HasPermission)
	srv := dispatcher.NewServer(disp, bus, clusterMgr, authMgr)
	metrics.RegisterComponent("dispatcher", true, "")

	bus.Publish(types.Event{Topic: "kernel.ready", Timestamp: time.Now(), Data: map[string]any{"addr": addr}})
	logger.Info().Str("addr", addr).Str("root", root).Msg("kernel ready")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(addr); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	if err := procMgr.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("process shutdown")
	}
	return nil
}

// buildClusterConfig reads the AETHER_CLUSTER_ROLE / AETHER_HUB_URL /
// AETHER_NODE_CAPACITY environment variables into a cluster.Config.
func buildClusterConfig(procMgr *process.Manager, fs *vfs.FS) cluster.Config {
	role := cluster.RoleStandalone
	switch os.Getenv("AETHER_CLUSTER_ROLE") {
	case "hub":
		role = cluster.RoleHub
	case "node":
		role = cluster.RoleNode
	}

	capacity := process.DefaultMaxProcesses
	if v := os.Getenv("AETHER_NODE_CAPACITY"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			capacity = n
		}
	}

	hostname, _ := os.Hostname()

	return cluster.Config{
		Role:      role,
		NodeID:    hostname,
		HubURL:    os.Getenv("AETHER_HUB_URL"),
		Capacity:  capacity,
		LiveCount: procMgr.LiveCount,
		Spawn: func(ctx context.Context, cfg types.AgentConfig, ownerUID string) (*types.Process, error) {
			proc, err := procMgr.Spawn(ctx, cfg, ownerUID, 0)
			if err != nil {
				return nil, err
			}
			if err := fs.CreateHome(proc.OwnerID); err != nil {
				return nil, err
			}
			return proc, nil
		},
	}
}
