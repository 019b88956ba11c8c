package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/grovetools/paramhub/cli"
	"github.com/grovetools/paramhub/config"
	"github.com/grovetools/paramhub/internal/command"
	"github.com/grovetools/paramhub/internal/configwatch"
	"github.com/grovetools/paramhub/internal/hub"
	"github.com/grovetools/paramhub/internal/llm"
	"github.com/grovetools/paramhub/internal/pidfile"
	"github.com/grovetools/paramhub/internal/server"
	"github.com/grovetools/paramhub/internal/transcribe"
	"github.com/grovetools/paramhub/logging"
	"github.com/grovetools/paramhub/pkg/profiling"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

// NewHubCmd returns the hub command with subcommands.
func NewHubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run and inspect the parameter hub",
		Long:  "Relays parameter edits between browser clients and the CAD engine, and turns chat prompts into parameter changes.",
	}
	cmd.PersistentFlags().String("pidfile", pidfile.DefaultPath(), "Path to the hub PID file")

	cmd.AddCommand(newHubStartCmd())
	cmd.AddCommand(newHubStopCmd())
	cmd.AddCommand(newHubStatusCmd())

	return cmd
}

func newHubStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the hub",
		Long:  "Start the hub in the foreground. A .env file in the working directory is loaded first.",
		Example: `# Start with the nearest paramhub.yml
paramhub hub start
# Listen on another port
paramhub hub start --addr :8080`,
		RunE: runHubStart,
	}
	cmd.Flags().String("addr", "", "Listen address, overriding server.addr")
	return cmd
}

func runHubStart(cmd *cobra.Command, args []string) error {
	opts := cli.GetOptions(cmd)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	if opts.Verbose {
		os.Setenv("PARAMHUB_LOG_LEVEL", "debug")
	}

	startup := profiling.Start("startup")
	span := profiling.Start("load config")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := logging.ConfigureFrom(cfg); err != nil {
		return err
	}
	span.Stop()
	logger := logging.NewLogger("paramhub")

	// 1. Acquire Lock
	pidPath, _ := cmd.Flags().GetString("pidfile")
	if err := pidfile.Acquire(pidPath); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer func() {
		if err := pidfile.Release(pidPath); err != nil {
			logger.Errorf("Failed to release pidfile: %v", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 2. Hub and its collaborators
	span = profiling.Start("build hub")
	var model command.Generator
	if chat, err := llm.NewChatModel(ctx, cfg.LLM); err != nil {
		logger.WithError(err).Warn("Chat commands disabled")
	} else {
		model = chat
	}

	h := hub.New(hub.Options{
		DebounceWindow: cfg.Hub.Debounce(),
		CADTimeout:     cfg.Hub.RoundTripTimeout(),
		Model:          model,
		LLMTimeout:     cfg.LLM.RequestTimeout(),
		Logger:         logging.NewLogger("hub"),
	})

	srv := server.New(h, cfg.Server, logging.NewLogger("server"))
	startedAt := time.Now()
	srv.SetRunningConfig(server.NewRunningConfig(cfg, startedAt))
	if cfg.Transcribe.Enabled() {
		stt, err := transcribe.New(cfg.Transcribe, logging.NewLogger("transcribe"))
		if err != nil {
			return err
		}
		srv.SetTranscriber(stt, cfg.Transcribe.MaxBytes)
	}

	span.Stop()

	// 3. Hot reload of tuning
	if cfg.Path != "" {
		watcher, err := configwatch.New(cfg.Path, 0, func(next *config.Config) {
			applyReload(h, srv, next, startedAt, logger)
		}, logging.NewLogger("config-watcher"))
		if err != nil {
			logger.WithError(err).Warn("Config hot reload disabled")
		} else {
			go watcher.Start(ctx)
		}
	}

	// 4. Run hub and server until a signal arrives or either fails
	hubDone := make(chan error, 1)
	go func() { hubDone <- h.Run(ctx) }()

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		cancel()
		<-hubDone
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(listener) }()

	startup.Stop()
	logger.WithFields(logrus.Fields{"pid": os.Getpid(), "addr": listener.Addr().String()}).Info("Starting hub")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received stop signal")
	case err := <-serveDone:
		runErr = err
	case err := <-hubDone:
		if err != nil && err != context.Canceled {
			runErr = err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	h.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown error: %v", err)
	}
	cancel()

	if runErr != nil {
		return fmt.Errorf("server error: %w", runErr)
	}
	return nil
}

// applyReload pushes the reloadable settings of next into the running hub.
// Listener and model settings need a restart.
func applyReload(h *hub.Hub, srv *server.Server, next *config.Config, startedAt time.Time, logger *logrus.Entry) {
	err := h.SetTuning(hub.Tuning{
		DebounceWindow: next.Hub.Debounce(),
		CADTimeout:     next.Hub.RoundTripTimeout(),
		LLMTimeout:     next.LLM.RequestTimeout(),
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to apply reloaded config")
		return
	}
	srv.SetRunningConfig(server.NewRunningConfig(next, startedAt))
	if err := logging.ConfigureFrom(next); err != nil {
		logger.WithError(err).Warn("Failed to apply reloaded logging config")
	}
}

func newHubStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath, _ := cmd.Flags().GetString("pidfile")

			running, pid, err := pidfile.IsRunning(pidPath)
			if err != nil {
				return fmt.Errorf("error checking status: %w", err)
			}
			if !running {
				fmt.Fprintln(cmd.OutOrStdout(), "Hub is not running")
				return nil
			}

			process, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("failed to find process %d: %w", pid, err)
			}
			if err := process.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to send stop signal: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Sent SIGTERM to process %d\n", pid)
			return nil
		},
	}
}

func newHubStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check hub status",
		Long:  "Reports whether the hub process is alive and, if it answers, its synchronization state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			pidPath, _ := cmd.Flags().GetString("pidfile")
			running, pid, err := pidfile.IsRunning(pidPath)
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if !running {
				fmt.Fprintln(cmd.OutOrStdout(), "Stopped")
				os.Exit(1) // Return non-zero for stopped state (useful for scripts)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := fetchStatus(cmd.Context(), cfg.Server.Addr)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Running (PID: %d), not answering on %s: %v\n", pid, cfg.Server.Addr, err)
				return nil
			}

			if cli.GetOptions(cmd).JSONOutput {
				data, err := sonic.ConfigStd.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			printStatus(cmd, pid, cfg.Server.Addr, st)
			return nil
		},
	}
	cmd.Flags().String("addr", "", "Address of the running hub, overriding server.addr")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	entry := cli.GetLogger(cmd)
	cfg, err := cli.LoadConfig(cli.GetOptions(cmd), entry.Logger)
	if err != nil {
		return nil, err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	return cfg, nil
}

// statusURL turns a listen address into a URL reachable from this host.
func statusURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + strings.TrimPrefix(addr, "http://") + "/api/status"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/api/status"
}

func fetchStatus(ctx context.Context, addr string) (hub.Status, error) {
	var st hub.Status
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL(addr), nil)
	if err != nil {
		return st, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	err = sonic.ConfigStd.NewDecoder(resp.Body).Decode(&st)
	return st, err
}

func printStatus(cmd *cobra.Command, pid int, addr string, st hub.Status) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Running (PID: %d)\nAddress: %s\n", pid, addr)
	cad := "disconnected"
	switch {
	case st.CADReady:
		cad = "ready"
	case st.CADConnected:
		cad = "connected, awaiting registration"
	}
	fmt.Fprintf(w, "CAD engine: %s\n", cad)
	fmt.Fprintf(w, "Clients: %d\n", st.Clients)
	fmt.Fprintf(w, "Version: %d (epoch %d)\n", st.Version, st.Epoch)
	gate := st.Gate
	if st.InFlight != "" {
		gate += " " + st.InFlight
	}
	fmt.Fprintf(w, "Gate: %s\n", gate)
	if len(st.Pending) > 0 {
		fmt.Fprintf(w, "Pending edits: %d\n", len(st.Pending))
	}
}
