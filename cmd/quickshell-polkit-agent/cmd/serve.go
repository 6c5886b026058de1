package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/bennypowers/quickshell-polkit-agent-sub000/agent"
	"github.com/bennypowers/quickshell-polkit-agent-sub000/internal/config"
	"github.com/bennypowers/quickshell-polkit-agent-sub000/ipc"
	"github.com/bennypowers/quickshell-polkit-agent-sub000/pamhelper"
	"github.com/bennypowers/quickshell-polkit-agent-sub000/presence"
	"github.com/bennypowers/quickshell-polkit-agent-sub000/security"
)

var (
	configPath string
	debug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authentication agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		level := slog.LevelInfo
		if debug {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		var store *security.Store
		if cfg.Security.AuditDBPath != "" {
			store, err = security.OpenStore(cfg.Security.AuditDBPath)
			if err != nil {
				return fmt.Errorf("opening audit database: %w", err)
			}
			defer store.Close()
		}
		audit := security.NewAuditor(logger, store)

		sec, err := security.New()
		if err != nil {
			return fmt.Errorf("initializing signing context: %w", err)
		}
		defer sec.Destroy()
		audit.Log(security.EventSecurityInit, "hmac signing context ready", "success")

		var detector presence.Detector
		switch strings.ToLower(cfg.Auth.DetectorMode) {
		case "always":
			detector = presence.Static{Val: true}
		case "never":
			detector = presence.Static{Val: false}
		default:
			detector = &presence.USBDetector{}
		}

		var engineOpts []pamhelper.Option
		if cfg.Auth.HelperPath != "" {
			engineOpts = append(engineOpts, pamhelper.WithHelperPath(cfg.Auth.HelperPath))
		}
		engineOpts = append(engineOpts, pamhelper.WithLogger(logger))
		engine := pamhelper.NewEngine(engineOpts...)

		agt := agent.New(engine, detector,
			agent.WithLogger(logger),
			agent.WithAuditor(audit),
			agent.WithKeyTimeout(cfg.KeyTimeout()),
		)

		server := ipc.NewServer(agt, sec,
			ipc.WithLogger(logger),
			ipc.WithAuditor(audit),
			ipc.WithSessionTimeout(cfg.SessionTimeout()),
			ipc.WithHeartbeatTimeout(cfg.HeartbeatTimeout()),
			ipc.WithRateLimit(cfg.IPC.MaxMessagesPerSecond),
			ipc.WithQueueSize(cfg.IPC.QueueSize),
			ipc.WithPeerCredCheck(cfg.Security.PeerCredCheck),
			ipc.WithRequireSignatures(cfg.Security.RequireSignatures),
		)

		var fileTransport *ipc.FileTransport
		if cfg.IPC.FileFallback {
			fileTransport = ipc.NewFileTransport(agt, "", logger)
			if err := fileTransport.Start(); err != nil {
				return fmt.Errorf("starting file transport: %w", err)
			}
			agt.SetListener(fanout{server, fileTransport})
		} else {
			agt.SetListener(server)
		}

		socketPath := cfg.SocketPath
		if socketPath == "" {
			socketPath, err = ipc.ResolveSocketPath()
			if err != nil {
				return fmt.Errorf("resolving socket path: %w", err)
			}
		}
		if err := server.Start(socketPath); err != nil {
			return fmt.Errorf("starting IPC server: %w", err)
		}
		logger.Info("agent ready", "socket", socketPath, "version", Version)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		logger.Info("shutting down", "signal", sig.String())

		agt.CancelAll()
		var closeErr error
		closeErr = multierr.Append(closeErr, server.Close())
		if fileTransport != nil {
			closeErr = multierr.Append(closeErr, fileTransport.Close())
		}
		return closeErr
	},
}

// fanout mirrors agent events to both transports.
type fanout []agent.Listener

var _ agent.Listener = fanout{}

func (f fanout) ShowAuthDialog(actionID, message, iconName, cookie string) {
	for _, l := range f {
		l.ShowAuthDialog(actionID, message, iconName, cookie)
	}
}

func (f fanout) PasswordRequest(actionID, request string, echo bool, cookie string) {
	for _, l := range f {
		l.PasswordRequest(actionID, request, echo, cookie)
	}
}

func (f fanout) AuthorizationResult(authorized bool, actionID string) {
	for _, l := range f {
		l.AuthorizationResult(authorized, actionID)
	}
}

func (f fanout) AuthorizationError(errText string) {
	for _, l := range f {
		l.AuthorizationError(errText)
	}
}

func (f fanout) StateChanged(cookie string, state agent.State) {
	for _, l := range f {
		l.StateChanged(cookie, state)
	}
}

func (f fanout) MethodChanged(cookie string, method agent.Method) {
	for _, l := range f {
		l.MethodChanged(cookie, method)
	}
}

func (f fanout) MethodFailed(cookie string, method agent.Method, reason string) {
	for _, l := range f {
		l.MethodFailed(cookie, method, reason)
	}
}

func (f fanout) AuthenticationError(cookie string, state agent.State, method agent.Method, defaultMessage, details string) {
	for _, l := range f {
		l.AuthenticationError(cookie, state, method, defaultMessage, details)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	serveCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
