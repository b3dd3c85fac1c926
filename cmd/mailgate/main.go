package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mailgate/mailgate/bridge"
	"github.com/mailgate/mailgate/config"
	"github.com/mailgate/mailgate/consts"
	"github.com/mailgate/mailgate/jid"
	"github.com/mailgate/mailgate/logger"
	"github.com/mailgate/mailgate/pkg/errors"
	"github.com/mailgate/mailgate/pkg/health"
	"github.com/mailgate/mailgate/pkg/metrics"
	"github.com/mailgate/mailgate/server/gateway"
	"github.com/mailgate/mailgate/server/imapsync"
	"github.com/mailgate/mailgate/server/mailfilter"
	"github.com/mailgate/mailgate/server/smtpsink"
	"github.com/mailgate/mailgate/server/statusapi"
	"github.com/mailgate/mailgate/server/xmpp"
	"github.com/mailgate/mailgate/storage"
)

const defaultConfigPath = "mailgate.toml"

// cliFlags are applied last, over file and environment values.
type cliFlags struct {
	configPath   string
	showVersion  bool
	markAllSeen  bool
	logLevel     string
	dumpProtocol bool
	statePath    string
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", defaultConfigPath, "Path to TOML configuration file")
	flag.BoolVar(&f.showVersion, "version", false, "Show version information and exit")
	flag.BoolVar(&f.showVersion, "v", false, "Show version information and exit")
	flag.BoolVar(&f.markAllSeen, "mark-all-seen", false, "Mark every message in the mailbox as seen by this gateway and exit")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.BoolVar(&f.dumpProtocol, "dump-protocol", false, "Log IMAP and XMPP protocol traffic (overrides config)")
	flag.StringVar(&f.statePath, "state", "", "Path to the state file (overrides config)")
	flag.Parse()
	return f
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()
	flags := parseFlags()

	if flags.showVersion {
		fmt.Printf("%s version %s\n", consts.SoftwareName, consts.Version)
		os.Exit(0)
	}

	loadAndValidateConfig(flags, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailgate: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.Infof("%s starting (version %s)", consts.SoftwareName, consts.Version)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			errorHandler.FatalError("write pid file", err)
			os.Exit(errorHandler.WaitForExit())
		}
		defer removePIDFile(cfg.PIDFile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	deps, err := initializeServices(cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.WaitForExit())
	}
	defer closeState(deps)

	if flags.markAllSeen {
		res, err := deps.synchronizer.MarkAllSeen(ctx)
		if err != nil {
			errorHandler.FatalError("mark all seen", err)
			os.Exit(errorHandler.WaitForExit())
		}
		logger.Info("[IMAPSYNC] mailbox marked as seen", "found", res.Found, "marked", res.Marked, "watermark", res.Highest)
		return
	}

	runServices(ctx, cfg, deps, errorHandler)
}

// loadAndValidateConfig merges defaults, the TOML file, MAILGATE_* environment
// variables and command-line flags, in that order.
func loadAndValidateConfig(flags cliFlags, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(flags.configPath, cfg); err != nil {
		if os.IsNotExist(err) && !isFlagSet("config") {
			logger.Infof("WARNING: default configuration file '%s' not found. Using defaults and environment.", flags.configPath)
		} else {
			errorHandler.ConfigError(flags.configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	}

	if err := config.ApplyEnvOverrides(cfg, os.LookupEnv); err != nil {
		errorHandler.ValidationError("environment", err)
		os.Exit(errorHandler.WaitForExit())
	}

	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if isFlagSet("dump-protocol") {
		cfg.IMAP.DumpProtocol = flags.dumpProtocol
		cfg.XMPP.DumpProtocol = flags.dumpProtocol
	}
	if flags.statePath != "" {
		cfg.State.Path = flags.statePath
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

type serviceDependencies struct {
	state        *storage.DelayedStore
	transport    *xmpp.Transport
	synchronizer *imapsync.Synchronizer
	sender       *smtpsink.Sender
	gateway      *gateway.Gateway
}

func initializeServices(cfg config.Config) (*serviceDependencies, error) {
	store, err := storage.Open(cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open state file: %w", err)
	}
	state := storage.NewDelayed(store, cfg.State.GetFlushDelayWithDefault())

	xmppOpts, err := xmpp.OptionsFromConfig(cfg.XMPP)
	if err != nil {
		return nil, err
	}
	transport := xmpp.New(xmppOpts)

	target, err := jid.Parse(cfg.Bridge.TargetJID)
	if err != nil {
		return nil, fmt.Errorf("bridge.target_jid: %w", err)
	}
	resolver := &bridge.SingleUserResolver{
		ComponentDomain: xmppOpts.ComponentJID.Domain,
		TargetJID:       target,
		MailAddress:     cfg.SMTP.FromAddress,
	}
	converter := bridge.HTML2Text{
		LinksInnerText: cfg.Bridge.HTMLLinksInnerText,
		UnixLineBreaks: cfg.Bridge.HTMLUnixLineBreaks,
		ListSupport:    cfg.Bridge.HTMLListSupport,
		Strip:          cfg.Bridge.HTMLStrip,
	}
	b := bridge.New(bridge.Options{
		PreferredFormat: cfg.Bridge.PreferredFormat,
		PrependHeaders:  cfg.Bridge.PrependHeaders,
		PreparseHeaders: cfg.Bridge.PreparseHeaders,
	}, resolver, converter)

	filter, err := mailfilter.Load(cfg.Filter.ScriptPath, cfg.Filter.Extensions)
	if err != nil {
		return nil, err
	}

	sender := smtpsink.New(cfg.SMTP)
	gw := gateway.New(b, transport, sender, filter, gateway.Options{RelayFrom: cfg.SMTP.FromAddress})
	transport.SetMessageHandler(gw.HandleChat)

	var dialer imapsync.Dialer = imapsync.NewIMAPDialer(cfg.IMAP)
	if logger.DebugEnabled() {
		dialer = imapsync.LoggingDialer{Dialer: dialer}
	}
	synchronizer := imapsync.New(dialer, state, gw.HandleMail, imapsync.OptionsFromConfig(cfg.IMAP))

	return &serviceDependencies{
		state:        state,
		transport:    transport,
		synchronizer: synchronizer,
		sender:       sender,
		gateway:      gw,
	}, nil
}

// runServices blocks until a signal arrives or a component fails fatally.
func runServices(ctx context.Context, cfg config.Config, deps *serviceDependencies, errorHandler *errors.ErrorHandler) {
	status := gateway.NewStatus(deps.transport, deps.synchronizer, deps.sender.Breaker())

	collector := metrics.NewCollector(status, 15*time.Second)
	go collector.Start(ctx)
	defer collector.Stop()

	monitor := health.NewHealthMonitor()
	gateway.RegisterHealthChecks(monitor, deps.transport, deps.synchronizer, deps.sender.Breaker(), cfg.IMAP.GetIdleTimeoutWithDefault())
	monitor.Start(ctx)
	defer monitor.Stop()

	errChan := make(chan error, 2)
	if cfg.Status.Enabled {
		go statusapi.Start(ctx, monitor, status, statusapi.ServerOptions{
			Addr:         cfg.Status.Addr,
			AllowedHosts: cfg.Status.AllowedHosts,
		}, errChan)
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	runDone := make(chan error, 1)
	go func() {
		runDone <- gateway.Run(runCtx, deps.transport, gateway.RunnerFunc(deps.synchronizer.RunWithRetry))
	}()

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		select {
		case <-runDone:
			logger.Info("[GATEWAY] all components stopped")
		case <-time.After(10 * time.Second):
			logger.Warn("[GATEWAY] shutdown timeout reached after 10 seconds")
		}
	case err := <-runDone:
		if err != nil {
			errorHandler.FatalError("gateway", err)
			os.Exit(exitAfterCleanup(errorHandler, deps, cfg.PIDFile))
		}
	case err := <-errChan:
		stopRun()
		<-runDone
		errorHandler.FatalError("status server", err)
		os.Exit(exitAfterCleanup(errorHandler, deps, cfg.PIDFile))
	}
}

// exitAfterCleanup does what the deferred calls in main would have done had
// os.Exit not skipped them.
func exitAfterCleanup(errorHandler *errors.ErrorHandler, deps *serviceDependencies, pidFile string) int {
	closeState(deps)
	if pidFile != "" {
		removePIDFile(pidFile)
	}
	return errorHandler.WaitForExit()
}

func closeState(deps *serviceDependencies) {
	if deps.state.Pending() {
		logger.Info("[STATE] flushing pending watermark", "path", deps.state.Path())
	}
	if err := deps.state.Close(); err != nil {
		logger.Error("[STATE] final flush failed", "path", deps.state.Path(), "error", err)
	}
}
