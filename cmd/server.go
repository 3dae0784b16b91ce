package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"github.com/babelcloud/adaptive-stream/config"
	procgroup "github.com/babelcloud/adaptive-stream/internal/proc_group"
	"github.com/babelcloud/adaptive-stream/internal/quality"
	"github.com/babelcloud/adaptive-stream/internal/server"
	"github.com/babelcloud/adaptive-stream/internal/source"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/pkg/browser"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const serviceName = "astream"

// NewServerCmd creates the server command with subcommands
func NewServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the stream server",
		Long:  `Run the stream server that produces frames for viewers, or control a running one.`,
	}

	cmd.AddCommand(newServerStartCmd())
	cmd.AddCommand(newServerStopCmd())
	cmd.AddCommand(newServerStatusCmd())

	return cmd
}

type serverStartOptions struct {
	Addr          string
	ProxyProtocol bool
	Quality       string
	Mode          string
	Source        string
	Open          bool
	Detach        bool

	internalDaemon         bool
	daemonStartLogFilename string
}

// newServerStartCmd creates the 'server start' subcommand
func newServerStartCmd() *cobra.Command {
	opts := &serverStartOptions{}

	cmd := &cobra.Command{
		Use:           "start",
		Aliases:       []string{"serve"},
		Short:         "Start the server",
		Long:          `Start the stream server in the foreground until interrupted.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.internalDaemon {
				return runServerInBackground(cmd, opts)
			}
			if opts.Detach {
				return runServerInDaemon(cmd, opts)
			}
			return runServerInForeground(cmd, opts)
		},
		Example: `  # Start with the configured defaults
  astream server start

  # Serve the live camera pattern on all interfaces
  astream server start --addr 0.0.0.0:5000 --source camera

  # Start in adaptive mode and open the stream info in a browser
  astream server start --mode adaptive --open

  # Start in background, logging to the state directory
  astream server start --detach`,
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Addr, "addr", "a", "", "Listen address (default from server.addr)")
	flags.BoolVar(&opts.ProxyProtocol, "proxy-protocol", false, "Accept PROXY protocol headers")
	flags.StringVarP(&opts.Quality, "quality", "q", "", "Initial quality (low, medium, high)")
	flags.StringVarP(&opts.Mode, "mode", "m", "", "Initial control mode (manual, adaptive)")
	flags.StringVarP(&opts.Source, "source", "s", "", "Initial source (camera, video)")
	flags.BoolVar(&opts.Open, "open", false, "Open the stream info page in a browser")
	flags.BoolVarP(&opts.Detach, "detach", "d", false, "Run the server in the background")

	// Flag --internal-daemon is hidden in help message for internal use.
	flags.BoolVar(&opts.internalDaemon, "internal-daemon", false, "")
	flags.Lookup("internal-daemon").Hidden = true
	flags.StringVar(&opts.daemonStartLogFilename, "daemon-start-log-filename", "", "")
	flags.Lookup("daemon-start-log-filename").Hidden = true

	cmd.RegisterFlagCompletionFunc("quality", fixedCompletion("low", "medium", "high"))
	cmd.RegisterFlagCompletionFunc("mode", fixedCompletion("manual", "adaptive"))
	cmd.RegisterFlagCompletionFunc("source", fixedCompletion("camera", "video"))

	return cmd
}

func (o *serverStartOptions) apply(cmd *cobra.Command, cfg *server.Config) error {
	flags := cmd.Flags()
	if o.Addr != "" {
		cfg.Addr = o.Addr
	}
	if flags.Changed("proxy-protocol") {
		cfg.ProxyProtocol = o.ProxyProtocol
	}
	if o.Quality != "" {
		level, err := quality.ParseLevel(o.Quality)
		if err != nil {
			return err
		}
		cfg.Engine.DefaultQuality = level
	}
	if o.Mode != "" {
		mode, err := quality.ParseMode(o.Mode)
		if err != nil {
			return err
		}
		cfg.Engine.DefaultMode = mode
	}
	if o.Source != "" {
		kind, err := source.ParseKind(o.Source)
		if err != nil {
			return err
		}
		cfg.Engine.Source = kind
	}
	return nil
}

// newServerStopCmd creates the 'server stop' subcommand
func newServerStopCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:           "stop",
		Short:         "Stop the server",
		Long:          `Ask a running stream server to shut down.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			url = serverURL(url)
			if err := stopServer(url); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "server stopped")
			return nil
		},
		Example: `  astream server stop
  astream server stop --url http://10.0.0.5:5000`,
	}

	addURLFlag(cmd, &url)
	return cmd
}

// newServerStatusCmd creates the 'server status' subcommand
func newServerStatusCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check server status",
		Long:  `Check if the stream server is running and display its stream state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			url = serverURL(url)
			if err := checkServerStatus(url); err != nil {
				fmt.Fprintf(out, "%s Server is not running at %s\n", color.RedString("✗"), url)
				fmt.Fprintln(out, "   Use 'astream server start' to start the server")
				return nil
			}

			fmt.Fprintf(out, "%s Server is running\n", color.GreenString("✓"))
			fmt.Fprintf(out, "   Stream info: %s\n", color.CyanString(url+"/api/stream/info"))

			var status struct {
				Uptime      string                 `json:"uptime"`
				Version     string                 `json:"version"`
				WebRTCPeers int                    `json:"webrtc_peers"`
				Stream      map[string]interface{} `json:"stream"`
			}
			if err := getJSON(url+"/api/status", &status); err != nil {
				return err
			}
			fmt.Fprintf(out, "   Version: %s, uptime %s\n", status.Version, status.Uptime)
			fmt.Fprintf(out, "   WebRTC peers: %d\n", status.WebRTCPeers)
			for _, key := range []string{"quality", "control_mode", "source", "subscribers"} {
				if v, ok := status.Stream[key]; ok {
					fmt.Fprintf(out, "   %s: %v\n", key, v)
				}
			}
			return nil
		},
	}

	addURLFlag(cmd, &url)
	return cmd
}

// Helper functions

func runServerInForeground(cmd *cobra.Command, opts *serverStartOptions) error {
	cfg, err := config.GetServerConfig()
	if err != nil {
		return err
	}
	if err := opts.apply(cmd, &cfg); err != nil {
		return err
	}

	base := "http://" + dialAddr(cfg.Addr)
	if err := checkServerStatus(base); err == nil {
		fmt.Printf("server has been already started at %s\n", base)
		return nil
	}

	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "address %s is already in use", cfg.Addr)
	}
	base = "http://" + dialAddr(l.Addr().String())

	srv := server.NewStreamServer(cfg)
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(l)
	}()

	fmt.Printf("%s %s %s\n", color.GreenString("🚀 Adaptive Stream Server"), color.CyanString("➜"), color.BlueString(base))
	fmt.Printf("   source %s, quality %s, mode %s\n", cfg.Engine.Source, cfg.Engine.DefaultQuality, cfg.Engine.DefaultMode)
	color.Cyan("Press Ctrl+C to stop...")

	if opts.Open {
		if err := browser.OpenURL(base + "/api/stream/info"); err != nil {
			log.Printf("Failed to open browser: %v", err)
		}
	}

	// Wait for interrupt signal or a remote shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		log.Println("Shutting down server...")
		if err := srv.Stop(); err != nil {
			log.Printf("Error stopping server: %v", err)
		}
		return <-errChan
	case err := <-errChan:
		return errors.Wrap(err, "server exited")
	}
}

// runServerInDaemon starts a detached copy of this process and waits until
// it answers the health check.
func runServerInDaemon(cmd *cobra.Command, opts *serverStartOptions) error {
	cfg, err := config.GetServerConfig()
	if err != nil {
		return err
	}
	if err := opts.apply(cmd, &cfg); err != nil {
		return err
	}
	base := "http://" + dialAddr(cfg.Addr)
	if err := checkServerStatus(base); err == nil {
		fmt.Printf("server has been already started at %s\n", base)
		return nil
	} else if err == ServerMismatchedError {
		return errors.Wrapf(err, "address %s is already used by another service", cfg.Addr)
	}

	executable, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "failed to get executable")
	}
	logFile, err := xdg.StateFile(filepath.Join("astream", "server.log"))
	if err != nil {
		return errors.Wrap(err, "failed to resolve log file")
	}
	logFd, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to create log file: %s", logFile)
	}
	defer logFd.Close()

	startLog := filepath.Join(os.TempDir(), "astream-server-"+uuid.NewString())
	defer os.RemoveAll(startLog)

	args := []string{"server", "start", "--internal-daemon", "--daemon-start-log-filename", startLog, "--addr", cfg.Addr}
	if opts.ProxyProtocol {
		args = append(args, "--proxy-protocol")
	}
	for flag, value := range map[string]string{"quality": opts.Quality, "mode": opts.Mode, "source": opts.Source} {
		if value != "" {
			args = append(args, "--"+flag, value)
		}
	}
	if configFile != "" {
		args = append(args, "--config", configFile)
	}
	if verbose {
		args = append(args, "--verbose")
	}

	child := exec.Command(executable, args...)
	child.Stdout = logFd
	child.Stderr = logFd
	procgroup.Detach(child)
	if err := child.Start(); err != nil {
		return errors.Wrap(err, "failed to start server daemon")
	}
	_ = child.Process.Release()

	for range 5 {
		time.Sleep(time.Second)
		if startErr, err := os.ReadFile(startLog); err == nil && len(startErr) > 0 {
			return errors.Errorf("fail to start server at %s: %s", base, string(startErr))
		}
		if err := checkServerStatus(base); err == nil {
			fmt.Printf("server has been started at %s, logging to %s\n", color.BlueString(base), logFile)
			return nil
		}
	}
	return errors.Errorf("server did not become healthy at %s, see %s", base, logFile)
}

// runServerInBackground is the detached child. Startup failures are written
// to the start log so the parent can report them.
func runServerInBackground(cmd *cobra.Command, opts *serverStartOptions) error {
	err := runServerInForeground(cmd, opts)
	if err != nil && opts.daemonStartLogFilename != "" {
		os.WriteFile(opts.daemonStartLogFilename, []byte(err.Error()), 0600)
	}
	return err
}

// dialAddr turns a listen address into one a local client can reach.
func dialAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func addURLFlag(cmd *cobra.Command, url *string) {
	cmd.Flags().StringVarP(url, "url", "u", "", "Stream server URL (default from viewer.server_url)")
}

func serverURL(flag string) string {
	if flag != "" {
		return strings.TrimSuffix(flag, "/")
	}
	return strings.TrimSuffix(config.GetViewerURL(), "/")
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func checkServerStatus(base string) error {
	resp, err := httpClient.Get(strings.TrimSuffix(base, "/") + "/api/health")
	if err != nil {
		return ServerPortUnavailableError
	}
	defer resp.Body.Close()
	var body struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ServerMismatchedError
	}
	if body.Service != serviceName {
		return ServerMismatchedError
	}
	return nil
}

func stopServer(base string) error {
	if err := checkServerStatus(base); err != nil {
		if err == ServerPortUnavailableError {
			return errors.Errorf("server is not running at %s", base)
		}
		return errors.Wrapf(err, "%s is served by another process", base)
	}

	resp, err := httpClient.Post(strings.TrimSuffix(base, "/")+"/api/server/shutdown", "application/json", nil)
	if err != nil {
		return errors.Wrap(err, "failed to request shutdown")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("shutdown rejected: %s", resp.Status)
	}
	return nil
}

func getJSON(url string, v interface{}) error {
	resp, err := httpClient.Get(url)
	if err != nil {
		return errors.Wrapf(err, "GET %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("GET %s: %s %s", url, resp.Status, strings.TrimSpace(string(body)))
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(v), "decode %s", url)
}

var ServerPortUnavailableError = &serverPortUnavailableError{}

type serverPortUnavailableError struct{}

func (e *serverPortUnavailableError) Error() string {
	return "server port unavailable"
}

var ServerMismatchedError = &serverMismatchedError{}

type serverMismatchedError struct{}

func (e *serverMismatchedError) Error() string {
	return "server mismatched"
}
