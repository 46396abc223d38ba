// Package daemon runs the long-lived taskcoord server: the HTTP API, the optional
// gRPC listener, the outbox watcher and the validation sweep, guarded by a
// per-home singleton lock.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"

	"github.com/ankittk/taskcoord/internal/httpapi"
	"github.com/ankittk/taskcoord/internal/notify"
	"github.com/ankittk/taskcoord/internal/otel"
	"github.com/ankittk/taskcoord/internal/rpc"
	"github.com/ankittk/taskcoord/internal/store"
	"github.com/ankittk/taskcoord/internal/store/backend"
	"github.com/ankittk/taskcoord/internal/watch"
)

// DefaultBind is the listen host when StartOptions.Bind is empty.
const DefaultBind = "127.0.0.1"

const shutdownTimeout = 15 * time.Second

var errNotRunning = errors.New("taskcoord daemon is not running")

// StartForeground serves until ctx is cancelled or a listener fails.
func StartForeground(ctx context.Context, opts StartOptions) error {
	if opts.Home == "" {
		return errors.New("home is required")
	}
	if opts.Port == 0 {
		return errors.New("port is required")
	}
	if opts.Bind == "" {
		opts.Bind = DefaultBind
	}
	log := slog.Default()

	if err := os.MkdirAll(runDir(opts.Home), 0o755); err != nil {
		return err
	}
	release, err := acquireSingleton(ctx, opts.Home)
	if err != nil {
		return err
	}
	defer release()

	addr := net.JoinHostPort(opts.Bind, strconv.Itoa(opts.Port))
	if err := checkPortAvailable(addr); err != nil {
		return err
	}

	st, err := backend.Open(ctx, backend.Options{
		Driver:      opts.StoreDriver,
		Home:        opts.Home,
		DSN:         opts.StoreDSN,
		LockTimeout: opts.LockTimeout,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	if err := os.WriteFile(pidPath(opts.Home), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = st.Close()
		return err
	}
	_ = os.WriteFile(addrPath(opts.Home), []byte(addr+"\n"), 0o644)
	defer func() {
		_ = os.Remove(pidPath(opts.Home))
		_ = os.Remove(addrPath(opts.Home))
	}()

	pprofSrv := startPprof(opts.PprofAddr, log)

	srvOpts := httpapi.ServerOptions{
		Addr:        addr,
		Store:       st,
		LockTimeout: opts.LockTimeout,
		APIKey:      opts.APIKey,
		RateLimit:   httpapi.RateLimitConfig{RequestsPerMinute: opts.RateLimit, Burst: opts.RateBurst},
		Logger:      log,
	}
	dispatcher := newDispatcher(opts, log)
	if dispatcher != nil {
		srvOpts.Publishers = append(srvOpts.Publishers, dispatcher)
	}
	if opts.EnableOtel {
		metricsHandler, err := otel.InitMeterProvider(ctx, "taskcoord")
		if err != nil {
			log.Warn("otel init failed, using plain metrics", "err", err)
		} else {
			srvOpts.MetricsHandler = metricsHandler
			srvOpts.UseOtelHTTP = true
		}
	}
	app, err := httpapi.NewApp(srvOpts)
	if err != nil {
		_ = st.Close()
		return err
	}
	if srvOpts.UseOtelHTTP {
		if err := otel.InitMetricsWithTaskCount(ctx, app.Service.TaskCounts); err != nil {
			log.Warn("otel task gauge init failed", "err", err)
		}
	}

	var watcher *watch.Watcher
	if fs, ok := st.(*store.FileStore); ok && opts.Watch {
		watcher, err = watch.New(fs.Dir(), app.Hub,
			watch.WithLogger(log),
			watch.WithValidator(app.Service.ValidateOutbox))
		if err == nil {
			err = watcher.Start(ctx)
		}
		if err != nil {
			log.Warn("outbox watcher disabled", "dir", fs.Dir(), "err", err)
			watcher = nil
		}
	}

	errCh := make(chan error, 2)
	var gs *grpc.Server
	if opts.GRPCPort > 0 {
		grpcAddr := net.JoinHostPort(opts.Bind, strconv.Itoa(opts.GRPCPort))
		ln, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			if watcher != nil {
				watcher.Stop()
			}
			_ = st.Close()
			return fmt.Errorf("grpc address %s is already in use", grpcAddr)
		}
		gs = rpc.NewGRPCServer(app.Service, log)
		log.Info("grpc listening", "addr", grpcAddr)
		go func() { errCh <- gs.Serve(ln) }()
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go runSweeper(bgCtx, opts.SweepInterval, app.Service, app.Hub, log)
	if dispatcher != nil {
		go dispatcher.Run(bgCtx)
	}

	log.Info("daemon starting", "addr", addr, "home", opts.Home, "store", storeName(opts.StoreDriver))
	go func() { errCh <- app.Server.ListenAndServe() }()

	shutdown := func() {
		stopBackground()
		if watcher != nil {
			watcher.Stop()
		}
		if gs != nil {
			gs.GracefulStop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = app.Server.Shutdown(shutdownCtx)
		if pprofSrv != nil {
			_ = pprofSrv.Shutdown(shutdownCtx)
		}
	}

	select {
	case <-ctx.Done():
		shutdown()
		return ctx.Err()
	case err := <-errCh:
		shutdown()
		if err == nil || errors.Is(err, http.ErrServerClosed) ||
			errors.Is(err, grpc.ErrServerStopped) || errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
}

// newDispatcher returns nil when no notification endpoint is configured.
func newDispatcher(opts StartOptions, log *slog.Logger) *notify.Dispatcher {
	reg := notify.NewRegistry()
	for _, u := range opts.Webhooks {
		if u != "" {
			reg.Register(notify.Webhook{URL: u})
		}
	}
	if opts.SlackWebhook != "" {
		reg.Register(notify.SlackWebhook{WebhookURL: opts.SlackWebhook, Channel: opts.SlackChannel, Username: "taskcoord"})
	}
	if reg.Len() == 0 {
		return nil
	}
	log.Info("event notifications enabled", "endpoints", reg.Len())
	return notify.NewDispatcher(reg, notify.WithLogger(log))
}

func storeName(driver string) string {
	if driver == "" {
		return backend.DriverFile
	}
	return driver
}

// StartBackground re-executes the current binary as "serve" detached from the
// terminal and waits briefly for it to report running.
func StartBackground(ctx context.Context, opts StartOptions) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(runDir(opts.Home), 0o755); err != nil {
		return 0, err
	}
	if st, _ := Status(ctx, opts.Home); st.Running {
		return 0, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, st.PID)
	}

	logFile, err := os.OpenFile(logPath(opts.Home), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	// Left open for the child's lifetime.

	cmd := exec.Command(exe, serveArgs(opts)...)
	cmd.Stdout = io.Discard
	cmd.Stderr = logFile
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := Status(ctx, opts.Home); st.Running {
			return st.PID, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return cmd.Process.Pid, nil
}

// serveArgs rebuilds the command line for a background child. Settings not listed
// here reach the child through config.yaml and the inherited environment.
func serveArgs(opts StartOptions) []string {
	args := []string{"serve", "--home", opts.Home}
	if opts.Bind != "" {
		args = append(args, "--bind", opts.Bind)
	}
	if opts.Port > 0 {
		args = append(args, "--port", strconv.Itoa(opts.Port))
	}
	if opts.GRPCPort > 0 {
		args = append(args, "--grpc-port", strconv.Itoa(opts.GRPCPort))
	}
	if opts.PprofAddr != "" {
		args = append(args, "--pprof", opts.PprofAddr)
	}
	return args
}

// Stop signals the running daemon and waits for it to exit, killing it after
// shutdownTimeout. It reports whether a daemon was running.
func Stop(ctx context.Context, home string) (bool, error) {
	st, err := Status(ctx, home)
	if err != nil {
		return false, err
	}
	if !st.Running {
		return false, nil
	}
	proc, err := os.FindProcess(st.PID)
	if err != nil {
		return false, errNotRunning
	}
	if err := terminate(proc); err != nil {
		return false, err
	}

	deadline := time.Now().Add(shutdownTimeout)
	for time.Now().Before(deadline) {
		if st2, _ := Status(ctx, home); !st2.Running {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	_ = proc.Kill()
	return true, nil
}

// Status reads the pid file and probes the process. A stale pid file is removed.
func Status(ctx context.Context, home string) (StatusInfo, error) {
	pb, err := os.ReadFile(pidPath(home))
	if err != nil {
		return StatusInfo{}, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pb)))
	if err != nil || pid <= 0 {
		return StatusInfo{}, nil
	}
	if !alive(pid) {
		_ = os.Remove(pidPath(home))
		return StatusInfo{}, nil
	}

	addr := "unknown"
	if ab, err := os.ReadFile(addrPath(home)); err == nil {
		if a := strings.TrimSpace(string(ab)); a != "" {
			addr = a
		}
	}
	return StatusInfo{Running: true, PID: pid, Addr: addr}, nil
}

func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use", addr)
	}
	_ = ln.Close()
	return nil
}
