// Command vigil is the monitoring daemon. It loads the configuration,
// wires the scheduler, check pools, notification engine, cluster
// replication and the compatibility sinks together, and supervises them
// until shutdown or a managed restart.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/oceanplexian/vigil/internal/api"
	"github.com/oceanplexian/vigil/internal/checker"
	"github.com/oceanplexian/vigil/internal/cluster"
	"github.com/oceanplexian/vigil/internal/compatlog"
	"github.com/oceanplexian/vigil/internal/config"
	"github.com/oceanplexian/vigil/internal/dependency"
	"github.com/oceanplexian/vigil/internal/downtime"
	"github.com/oceanplexian/vigil/internal/extcmd"
	"github.com/oceanplexian/vigil/internal/freshness"
	"github.com/oceanplexian/vigil/internal/ido"
	"github.com/oceanplexian/vigil/internal/notify"
	"github.com/oceanplexian/vigil/internal/objects"
	"github.com/oceanplexian/vigil/internal/perfdata"
	"github.com/oceanplexian/vigil/internal/replaylog"
	"github.com/oceanplexian/vigil/internal/scheduler"
	"github.com/oceanplexian/vigil/internal/status"
)

const version = "2.0.0"

var log = logrus.WithField(trace.Component, "vigil:daemon")

func main() {
	var verifyCount int
	var daemonMode bool
	var configFile string

	// Manual arg parsing so -vv style combined flags work.
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "-v", "--verify-config":
			verifyCount++
		case "-d", "--daemon":
			daemonMode = true
		case "-V", "--version":
			fmt.Printf("Vigil %s\n", version)
			os.Exit(0)
		case "-h", "--help":
			printUsage()
			os.Exit(0)
		default:
			switch {
			case len(arg) > 1 && arg[0] == '-' && arg[1] != '-':
				for _, ch := range arg[1:] {
					switch ch {
					case 'v':
						verifyCount++
					case 'd':
						daemonMode = true
					default:
						fmt.Fprintf(os.Stderr, "Unknown option: -%c\n", ch)
						printUsage()
						os.Exit(1)
					}
				}
			case len(arg) > 0 && arg[0] == '-':
				fmt.Fprintf(os.Stderr, "Unknown option: %s\n", arg)
				printUsage()
				os.Exit(1)
			default:
				configFile = arg
			}
		}
	}

	if configFile == "" {
		printUsage()
		os.Exit(1)
	}

	if verifyCount > 0 {
		runVerify(configFile, verifyCount)
		return
	}

	runDaemon(configFile, daemonMode)
}

func printUsage() {
	fmt.Printf("\nVigil %s\n\n", version)
	fmt.Printf("Usage: %s [options] <config_file>\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println()
	fmt.Println("  -v, --verify-config      Verify the configuration and exit (-v -v lists every object)")
	fmt.Println("  -d, --daemon             Skip the startup banner, for running under a supervisor")
	fmt.Println("  -V, --version            Print version information")
	fmt.Println("  -h, --help               Print this help message")
	fmt.Println()
}

func runVerify(configFile string, verbosity int) {
	fmt.Printf("\nVigil %s\n\n", version)
	fmt.Printf("Reading configuration from %s...\n\n", configFile)

	cfg, err := config.Load(configFile)
	if err != nil {
		errs := []error{err}
		if agg, ok := trace.Unwrap(err).(trace.Aggregate); ok {
			errs = agg.Errors()
		}
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "Error: %v\n", e)
		}
		fmt.Printf("\nTotal errors: %d\n", len(errs))
		os.Exit(1)
	}

	store := cfg.Store
	if verbosity >= 2 {
		for _, c := range store.Commands() {
			fmt.Printf("\tChecked command '%s'\n", c.Name)
		}
		for _, tp := range store.Timeperiods() {
			fmt.Printf("\tChecked timeperiod '%s'\n", tp.Name)
		}
		for _, u := range store.Users() {
			fmt.Printf("\tChecked user '%s'\n", u.Name)
		}
		for _, g := range store.UserGroups() {
			fmt.Printf("\tChecked user group '%s'\n", g.Name)
		}
		for _, h := range store.Hosts() {
			fmt.Printf("\tChecked host '%s'\n", h.HostName)
		}
		for _, s := range store.Services() {
			fmt.Printf("\tChecked service '%s' on host '%s'\n", s.ServiceName, s.HostName)
		}
		for _, n := range store.Notifications() {
			fmt.Printf("\tChecked notification '%s'\n", n.Name)
		}
		for _, e := range store.Endpoints() {
			fmt.Printf("\tChecked endpoint '%s'\n", e.Name)
		}
		fmt.Println()
	}

	hosts, services, users := store.Counts()
	fmt.Printf("Checked %d commands.\n", len(store.Commands()))
	fmt.Printf("Checked %d timeperiods.\n", len(store.Timeperiods()))
	fmt.Printf("Checked %d users.\n", users)
	fmt.Printf("Checked %d user groups.\n", len(store.UserGroups()))
	fmt.Printf("Checked %d hosts.\n", hosts)
	fmt.Printf("Checked %d services.\n", services)
	fmt.Printf("Checked %d notifications.\n", len(store.Notifications()))
	fmt.Printf("Checked %d endpoints.\n", len(store.Endpoints()))
	fmt.Println()
	fmt.Println("No serious problems were detected during the pre-flight check.")
}

func runDaemon(configFile string, daemonMode bool) {
	if !daemonMode {
		fmt.Printf("\nVigil %s\n\n", version)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	daemon := cfg.Daemon
	setupLogging(daemon)

	store := cfg.Store
	program := objects.NewProgram(version, daemon.Identity, os.Getpid(), time.Now())
	daemon.Features.Apply(program)

	// Components that write through temp-and-rename need their target
	// directories up front; the rest create their own.
	dirs := []string{
		daemon.DataDir,
		filepath.Dir(daemon.StatusFile),
		filepath.Dir(daemon.ObjectsCacheFile),
		filepath.Dir(daemon.RetentionFile),
		filepath.Dir(daemon.CommandPipe),
	}
	if daemon.Perfdata.Enabled {
		dirs = append(dirs, filepath.Dir(daemon.Perfdata.HostFile), filepath.Dir(daemon.Perfdata.ServiceFile))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			log.WithError(trace.ConvertSystemError(err)).Fatalf("Cannot create state directory %v.", dir)
		}
	}

	downtimes, err := downtime.NewManager(downtime.Config{Store: store})
	fatalIfErr(err, "downtime manager")

	deps := &dependency.Checker{Store: store}

	processor, err := checker.NewProcessor(checker.ProcessorConfig{
		Store:        store,
		Dependencies: deps,
		Program:      program,
	})
	fatalIfErr(err, "result processor")

	checkPool, err := checker.NewExecutor(checker.Config{
		MinWorkers: daemon.Checks.MinWorkers,
		MaxWorkers: daemon.Checks.MaxWorkers,
		Self:       daemon.Identity,
	})
	fatalIfErr(err, "check pool")

	// Notifications and event handlers get their own pool so a burst of
	// either cannot starve check execution.
	notifyPool, err := checker.NewExecutor(checker.Config{Self: daemon.Identity})
	fatalIfErr(err, "notification pool")

	sched, err := scheduler.NewScheduler(scheduler.Config{
		Store:        store,
		Runner:       checkPool,
		Dependencies: deps,
		Program:      program,
	})
	fatalIfErr(err, "scheduler")

	engine, err := notify.NewEngine(notify.Config{
		Store:        store,
		Runner:       notifyPool,
		Dependencies: deps,
		Program:      program,
	})
	fatalIfErr(err, "notification engine")

	fresh, err := freshness.NewChecker(freshness.Config{
		Store:     store,
		Program:   program,
		Processor: processor,
	})
	fatalIfErr(err, "freshness checker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A managed restart is a clean shutdown followed by exec of the same
	// binary, so the new process reloads the configuration, including
	// files pushed by cluster peers.
	var restarting atomic.Bool
	requestRestart := func() {
		if restarting.CompareAndSwap(false, true) {
			log.Info("Restart requested.")
			cancel()
		}
	}

	var feed *ido.Feed
	var idoWriter *ido.Writer
	if daemon.IDO.Enabled {
		feed, err = ido.NewFeed(ido.FeedConfig{Store: store, Program: program})
		fatalIfErr(err, "database feed")
		idoWriter, err = ido.NewWriter(ido.WriterConfig{
			DSN:          daemon.IDO.DSN,
			Queries:      feed.Queries(),
			InstanceName: daemon.IDO.Instance,
			TablePrefix:  daemon.IDO.TablePrefix,
			Version:      version,
			OnConnected:  feed.DumpConfig,
		})
		fatalIfErr(err, "database writer")
	}

	var tee func(time.Time, string)
	if feed != nil {
		tee = feed.LogEntry
	}
	activity, err := compatlog.New(compatlog.Config{
		Store: store,
		Path:  daemon.ActivityLog,
		Tee:   tee,
	})
	fatalIfErr(err, "activity log")

	var clu *cluster.Cluster
	var relay *replaylog.Log
	if daemon.Cluster.Enabled {
		relay, err = replaylog.New(replaylog.Config{Dir: daemon.ClusterLogDir()})
		fatalIfErr(err, "replay log")
		cert, err := tls.LoadX509KeyPair(daemon.Cluster.CertFile, daemon.Cluster.KeyFile)
		fatalIfErr(err, "cluster certificate")
		caPEM, err := os.ReadFile(daemon.Cluster.CAFile)
		fatalIfErr(err, "cluster CA")
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caPEM) {
			log.Fatalf("No certificates found in %v.", daemon.Cluster.CAFile)
		}
		configDir := ""
		if daemon.Cluster.AcceptConfig {
			configDir = daemon.ClusterConfigDir()
		}
		clu, err = cluster.New(cluster.Config{
			Store:            store,
			Program:          program,
			Log:              relay,
			Processor:        processor,
			Downtimes:        downtimes,
			ListenAddr:       daemon.Cluster.Listen,
			Certificate:      cert,
			CA:               caPool,
			ConfigDir:        configDir,
			ConfigFiles:      cfg.Files,
			Features:         objects.FeatureChecker | objects.FeatureNotifications,
			OnRestartRequest: requestRestart,
		})
		fatalIfErr(err, "cluster")
	}

	statusWriter, err := status.NewWriter(status.WriterConfig{
		Store:      store,
		Program:    program,
		StatusPath: daemon.StatusFile,
		CachePath:  daemon.ObjectsCacheFile,
	})
	fatalIfErr(err, "status writer")

	retention, err := status.NewRetention(status.RetentionConfig{
		Path:      daemon.RetentionFile,
		Store:     store,
		Program:   program,
		Downtimes: downtimes,
	})
	fatalIfErr(err, "retention")

	commands, err := extcmd.New(extcmd.Config{
		Store:      store,
		Program:    program,
		Processor:  processor,
		Downtimes:  downtimes,
		PipePath:   daemon.CommandPipe,
		SpoolDir:   daemon.CommandSpool,
		OnShutdown: cancel,
		OnRestart:  requestRestart,
	})
	fatalIfErr(err, "command listener")

	var apiServer *api.Server
	if daemon.API.Enabled {
		apiServer, err = api.NewServer(api.Config{
			Store:      store,
			Program:    program,
			Processor:  processor,
			ListenAddr: daemon.API.Listen,
			TokenHash:  daemon.API.TokenHash,
			CertFile:   daemon.API.CertFile,
			KeyFile:    daemon.API.KeyFile,
		})
		fatalIfErr(err, "API server")
	}

	var perf *perfdata.Writer
	if daemon.Perfdata.Enabled {
		perf, err = perfdata.NewWriter(perfdata.Config{
			Store:            store,
			Program:          program,
			Host:             perfdata.FileConfig{Path: daemon.Perfdata.HostFile},
			Service:          perfdata.FileConfig{Path: daemon.Perfdata.ServiceFile},
			RotationInterval: time.Duration(daemon.Perfdata.RotateInterval),
		})
		fatalIfErr(err, "perfdata writer")
		store.Events().OnCheckResult(perf.HandleResult)
	}

	// Restore runtime state before any component observes the objects,
	// then announce them and build the check queue.
	if err := retention.Load(); err != nil {
		log.WithError(err).Warn("Cannot restore retention data.")
	}
	store.Start()
	sched.Rebuild()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return checkPool.Run(gctx) })
	g.Go(func() error { return notifyPool.Run(gctx) })
	g.Go(func() error { return pumpResults(gctx, store, processor, checkPool) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return fresh.Run(gctx) })
	g.Go(func() error { return downtimes.Run(gctx) })
	g.Go(func() error { return statusWriter.Run(gctx) })
	g.Go(func() error { return retention.Run(gctx) })
	g.Go(func() error { return commands.Run(gctx) })
	if feed != nil {
		g.Go(func() error { return feed.Run(gctx) })
		g.Go(func() error { return idoWriter.Run(gctx) })
	}
	if clu != nil {
		g.Go(func() error { return clu.Run(gctx) })
	}
	if apiServer != nil {
		g.Go(func() error { return apiServer.Run(gctx) })
	}
	if perf != nil {
		g.Go(func() error { return perf.Run(gctx) })
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				log.Infof("Caught %v, restarting.", sig)
				requestRestart()
			default:
				log.Infof("Caught %v, shutting down.", sig)
				cancel()
			}
		}
	}()

	hosts, services, users := store.Counts()
	log.Infof("Vigil %s started as %q (pid %d): %d hosts, %d services, %d users.",
		version, daemon.Identity, os.Getpid(), hosts, services, users)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("Component failed, shutting down.")
	}

	// The scheduler has stopped submitting; apply whatever the in-flight
	// checks still deliver while the pools drain.
	stopped := make(chan struct{})
	go func() {
		checkPool.Stop()
		notifyPool.Stop()
		close(stopped)
	}()
	for draining := true; draining; {
		select {
		case res := <-checkPool.Results():
			applyResult(store, processor, res)
		case <-stopped:
			draining = false
		}
	}

	if err := retention.Save(); err != nil {
		log.WithError(err).Warn("Cannot save final retention data.")
	}
	if err := statusWriter.WriteStatus(); err != nil {
		log.WithError(err).Warn("Cannot write final status.")
	}
	if err := activity.Close(); err != nil {
		log.WithError(err).Warn("Cannot close activity log.")
	}
	if perf != nil {
		perf.Close()
	}
	if relay != nil {
		if err := relay.Close(); err != nil {
			log.WithError(err).Warn("Cannot close replay log.")
		}
	}

	if restarting.Load() {
		argv0, err := os.Executable()
		if err == nil {
			log.Infof("Restarting %v.", argv0)
			err = syscall.Exec(argv0, os.Args, os.Environ())
		}
		log.WithError(err).Error("Restart failed.")
		os.Exit(1)
	}
	log.Infof("Shutdown complete (pid %d).", os.Getpid())
}

// pumpResults feeds finished active checks back into the state machine.
func pumpResults(ctx context.Context, store *objects.Store, processor *checker.Processor, pool *checker.Executor) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-pool.Results():
			applyResult(store, processor, res)
		}
	}
}

func applyResult(store *objects.Store, processor *checker.Processor, res checker.Result) {
	c, err := store.Resolve(res.Kind, res.Name)
	if err != nil {
		log.WithError(err).Warnf("Dropping result for unknown %v %q.", res.Kind, res.Name)
		return
	}
	if err := processor.ProcessResult(c, res.CheckResult, objects.Origin{}); err != nil {
		log.WithError(err).Warnf("Cannot process result for %v.", c.Name())
	}
}

func setupLogging(daemon *config.Daemon) {
	// The level was validated at config load.
	level, err := logrus.ParseLevel(daemon.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if daemon.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stderr)
}

func fatalIfErr(err error, what string) {
	if err != nil {
		log.WithError(err).Fatalf("Cannot initialize the %v.", what)
	}
}
