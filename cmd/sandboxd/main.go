package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/integrii/flaggy"
	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/sandboxrun/sandboxd/internal/applog"
	"github.com/sandboxrun/sandboxd/internal/cleanup"
	"github.com/sandboxrun/sandboxd/internal/config"
	"github.com/sandboxrun/sandboxd/internal/interpreter"
	"github.com/sandboxrun/sandboxd/internal/portproxy"
	"github.com/sandboxrun/sandboxd/internal/server"
	"github.com/sandboxrun/sandboxd/internal/session"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion
	date    string

	addrFlag        = ":7337"
	printConfigFlag = false
	debugFlag       = false
)

func main() {
	updateBuildInfo()

	info := fmt.Sprintf("%s\nDate: %s\nCommit: %s", version, date, commit)

	flaggy.SetName("sandboxd")
	flaggy.SetDescription("The in-container sandbox control daemon")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://github.com/sandboxrun/sandboxd"

	flaggy.String(&addrFlag, "a", "addr", "Address to listen on")
	flaggy.Bool(&printConfigFlag, "c", "print-config", "Print the resolved config and exit")
	flaggy.Bool(&debugFlag, "d", "debug", "Enable verbose file-backed logging")
	flaggy.SetVersion(info)
	flaggy.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal(err.Error())
	}
	if debugFlag {
		cfg.Debug = true
	}
	if cfg.Version == "unknown" && version != defaultVersion {
		cfg.Version = version
	}

	if printConfigFlag {
		out, err := cfg.YAML()
		if err != nil {
			log.Fatal(err.Error())
		}
		fmt.Print(out)
		os.Exit(0)
	}

	app, err := newApp(cfg, applog.BuildInfo{Version: version, Commit: commit, BuildDate: date})
	if err != nil {
		log.Fatal(err.Error())
	}
	defer app.Close()

	if err := app.Run(addrFlag); err != nil {
		app.Log.WithError(err).Error("sandboxd exited with error")
		log.Fatal(err.Error())
	}
}

// app wires every registry and pool together, the same single-struct
// shape the teacher's pkg/app.App uses to hold its commands/gui/log.
type app struct {
	Config *config.Config
	Log    *logrus.Entry

	sessions    *session.Registry
	ports       *portproxy.Registry
	proxy       *portproxy.Proxy
	interpreter *interpreter.Pool
	sweeper     *cleanup.Sweeper
	httpServer  *http.Server

	stopSweep chan struct{}
}

func newApp(cfg config.Config, build applog.BuildInfo) (*app, error) {
	// Deadlock detection on the registries' mutexes is opt-in, the same
	// way the teacher only pays for it under --debug (pkg/gui/gui.go).
	deadlock.Opts.Disable = !cfg.Debug
	deadlock.Opts.DeadlockTimeout = 10 * time.Second

	log := applog.New(cfg.Debug, cfg.TempDir, build)

	sessions := session.NewRegistry(cfg.TempDir, cfg.CommandTimeout, cfg.StrictIsolation, log)
	ports := portproxy.NewRegistry()
	proxy := portproxy.NewProxy(ports, log)
	manager := interpreter.NewProcessManager(log)
	pool := interpreter.NewPool(manager, map[string]interpreter.LanguagePoolConfig{
		"python": {Min: 1, Max: 4},
		"bash":   {Min: 1, Max: 4},
	}, log)

	sweeper := cleanup.New(cfg.TempDir, cfg.TempFileMaxAge, cfg.CleanupInterval, log)

	srv := server.New(sessions, ports, proxy, pool, log, server.BuildInfo{
		Version:   build.Version,
		Commit:    build.Commit,
		BuildDate: build.BuildDate,
	})

	return &app{
		Config:      &cfg,
		Log:         log,
		sessions:    sessions,
		ports:       ports,
		proxy:       proxy,
		interpreter: pool,
		sweeper:     sweeper,
		httpServer:  &http.Server{Handler: srv, ReadHeaderTimeout: 10 * time.Second},
		stopSweep:   make(chan struct{}),
	}, nil
}

// Run starts the background sweep and blocks serving HTTP on addr until a
// termination signal arrives or the server errors out, mirroring the
// teacher's App.Run/waitForTerminalSpace shape but for a long-running
// daemon instead of a terminal UI.
func (a *app) Run(addr string) error {
	go a.sweeper.Run(a.stopSweep)

	a.httpServer.Addr = addr

	serveErr := make(chan error, 1)
	go func() {
		a.Log.WithField("addr", addr).Info("sandboxd listening")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case <-sig:
		a.Log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(ctx)
	}
}

// Close stops the cleanup sweeper and destroys every session (and with
// them their control children and background processes). Interpreter
// kernels started by the interpreter pool are not shut down here.
func (a *app) Close() {
	close(a.stopSweep)
	a.sessions.DestroyAll()
}

func updateBuildInfo() {
	if version != defaultVersion {
		return
	}
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if revision, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
		return s.Key == "vcs.revision"
	}); ok {
		commit = revision.Value
		version = safeTruncate(revision.Value, 7)
	}
	if vcsTime, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
		return s.Key == "vcs.time"
	}); ok {
		date = vcsTime.Value
	}
}

func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
