// Command meshcore-bot runs the MeshCore mesh gateway bot: it connects to a
// MeshCore companion radio over serial, BLE or TCP and answers commands
// heard on the mesh.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/bus"
	"github.com/jtstockton/meshcore-bot/internal/capture"
	"github.com/jtstockton/meshcore-bot/internal/catalog"
	"github.com/jtstockton/meshcore-bot/internal/command"
	"github.com/jtstockton/meshcore-bot/internal/config"
	"github.com/jtstockton/meshcore-bot/internal/dispatch"
	"github.com/jtstockton/meshcore-bot/internal/domain"
	"github.com/jtstockton/meshcore-bot/internal/gateway"
	"github.com/jtstockton/meshcore-bot/internal/geocode"
	"github.com/jtstockton/meshcore-bot/internal/handler"
	"github.com/jtstockton/meshcore-bot/internal/i18n"
	"github.com/jtstockton/meshcore-bot/internal/logging"
	"github.com/jtstockton/meshcore-bot/internal/persistence"
	"github.com/jtstockton/meshcore-bot/internal/radio"
	"github.com/jtstockton/meshcore-bot/internal/ratelimit"
	"github.com/jtstockton/meshcore-bot/internal/rfcache"
	"github.com/jtstockton/meshcore-bot/internal/scheduler"
	"github.com/jtstockton/meshcore-bot/internal/topology"
	"github.com/jtstockton/meshcore-bot/internal/tracker"
	"github.com/jtstockton/meshcore-bot/internal/transport"
)

const maintenanceInterval = time.Hour

func main() {
	configPath := flag.String("config", "meshcore-bot.ini", "path to the INI configuration file")
	validateOnly := flag.Bool("validate-config", false, "validate the configuration and exit")
	flag.Parse()

	if *validateOnly {
		os.Exit(runValidate(*configPath))
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// runValidate prints every finding with its severity and returns the exit
// code: 1 when any error-level issue exists.
func runValidate(path string) int {
	issues := config.Validate(path)
	exit := 0
	for _, issue := range issues {
		fmt.Fprintln(os.Stderr, issue.String())
		if issue.Severity == config.SeverityError {
			exit = 1
		}
	}
	if exit == 0 {
		fmt.Fprintln(os.Stderr, "configuration OK")
	}
	return exit
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging.Level, cfg.Logging.LogToFile, cfg.Logging.LogFile); err != nil {
		return err
	}
	defer logMgr.Close()
	log := logMgr.Logger("main")

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// The writer outlives the run context so queued rows drain on shutdown.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()

	db, err := persistence.Open(writerCtx, cfg.Bot.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	writer := persistence.NewWriterQueue(logMgr.Logger("writer"), 256)
	writer.Start(writerCtx)

	nodes := persistence.NewCatalogRepo(db)
	paths := persistence.NewPathsRepo(db)
	graph := persistence.NewGraphRepo(db)
	stats := persistence.NewStatsRepo(db)
	stream := persistence.NewStreamRepo(db)
	chanOps := persistence.NewChanOpsRepo(db)
	kv := persistence.NewKVRepo(db)

	startTime := time.Now()
	if err := kv.SetStartTime(writerCtx, startTime); err != nil {
		log.Warn("start time write failed", "error", err)
	}

	tr, err := buildTransport(cfg)
	if err != nil {
		return err
	}

	eventBus := bus.New(logMgr.Logger("bus"))
	defer eventBus.Close()
	radioSvc := radio.NewService(logMgr.Logger("radio"), eventBus, tr, cfg.Bot.Name)

	httpClient := &http.Client{Timeout: 15 * time.Second}
	translator := i18n.New(logMgr.Logger("i18n"), cfg.Localization.TranslationPath, cfg.Localization.Language)
	cache := rfcache.New(logMgr.Logger("rfcache"), rfcache.DefaultMaxEntries,
		time.Duration(cfg.Bot.RFDataTimeoutSec*float64(time.Second)))
	msgHandler := handler.New(logMgr.Logger("handler"), cfg, cache, gateway.ContactLookup{Driver: radioSvc}, translator)
	txTracker := tracker.New(logMgr.Logger("tracker"), stream, writer, "")

	purgeAfter := companionPurgeWindow(cfg)
	catalogMgr := catalog.NewManager(logMgr.Logger("catalog"), nodes, paths, writer, radioSvc,
		catalog.ParseMode(cfg.Bot.AutoManageContacts), purgeAfter)
	recency := time.Duration(cfg.Bot.MeshGraphRecencyDays) * 24 * time.Hour
	topoLearner := topology.NewLearner(logMgr.Logger("topology"), nodes, paths, graph, writer, "", recency)

	geocoder := geocode.NewResolver(logMgr.Logger("geocode"), httpClient,
		ratelimit.NewNominatim(ratelimit.DefaultNominatimFloor), nodes)
	hooks := capture.NewHooks(logMgr.Logger("capture"), stream, writer, capture.OptionsFromConfig(cfg))
	topoLearner.SetEdgeEmitter(hooks.EdgeUpdate)

	global := ratelimit.NewGlobal(time.Duration(cfg.Bot.RateLimitSeconds * float64(time.Second)))
	botTX := ratelimit.NewBotTX(time.Duration(cfg.Bot.BotTxRateLimitSeconds * float64(time.Second)))
	perUser, err := ratelimit.NewPerUser(
		time.Duration(cfg.Bot.PerUserRateLimitSeconds*float64(time.Second)), cfg.Bot.MaxUserRateEntries)
	if err != nil {
		return err
	}

	gw := gateway.New(gateway.Deps{
		Log:      logMgr.Logger("gateway"),
		Cfg:      cfg,
		Bus:      eventBus,
		Driver:   radioSvc,
		Cache:    cache,
		Handler:  msgHandler,
		Tracker:  txTracker,
		Catalog:  catalogMgr,
		Topology: topoLearner,
		Nodes:    nodes,
		Graph:    graph,
		Stats:    stats,
		KV:       kv,
		Writer:   writer,
		Capture:  hooks,
		Geocoder: geocoder,
		Global:   global,
		BotTX:    botTX,
		Channels: gateway.NewChannelTable(cfg.Channels.MonitorChannels),
	})

	registry := command.NewRegistry(command.Deps{
		Log:        logMgr.Logger("command"),
		Cfg:        cfg,
		Translator: translator,
		Nodes:      nodes,
		Graph:      graph,
		Stats:      stats,
		HTTP:       httpClient,
		StartTime:  startTime,
	})
	registry.BuildAll()

	formatter := dispatch.NewFormatter(gw.MeshInfo(), phrasesFromConfig(cfg))
	internet := dispatch.NewInternetChecker(logMgr.Logger("internet"), httpClient)
	dispatcher := dispatch.New(logMgr.Logger("dispatch"), cfg, registry, translator, formatter,
		internet, gw, perUser, stats, writer)
	dispatcher.SetCapture(hooks)
	gw.SetDispatcher(dispatcher)

	sched := scheduler.New(logMgr.Logger("scheduler"), cfg, gw, chanOps, func(text string) string {
		return formatter.Format(text, &domain.MeshMessage{})
	})
	sched.SetChannelOpWorker(gw.ApplyChannelOps)

	supervisor := scheduler.NewSupervisor(logMgr.Logger("supervisor"),
		time.Duration(cfg.Bot.ServiceRestartBackoffSec*float64(time.Second)),
		&radioService{svc: radioSvc})

	if err := config.Watch(runCtx, log, cfg, func(fresh *config.Config) {
		msgHandler.ApplyConfig(fresh)
		dispatcher.ApplyConfig(fresh)
		gw.ApplyConfig(fresh)
		sched.ApplyConfig(fresh)
		registry.ApplyConfig(fresh)
	}); err != nil {
		log.Warn("config watch unavailable", "error", err)
	}

	go gw.Run(runCtx)
	go dispatcher.Run(runCtx)
	go txTracker.Run(runCtx)
	go sched.Run(runCtx)
	go maintenanceLoop(runCtx, log, catalogMgr, topoLearner, stream)

	supervisor.StartAll(runCtx)
	go supervisor.Run(runCtx)

	log.Info("meshcore-bot running", "config", cfg.Path, "db", cfg.Bot.DBPath)
	<-runCtx.Done()

	// Shutdown: background loops die with runCtx, then services and the
	// radio stop, then the write queue drains.
	log.Info("shutting down")
	txTracker.CancelEchoChecks()
	supervisor.StopAll()
	time.Sleep(500 * time.Millisecond)
	stopWriter()
	return nil
}

// maintenanceLoop runs the periodic retention work: companion purge, edge
// pruning and packet_stream trimming.
func maintenanceLoop(ctx context.Context, log *slog.Logger, catalogMgr *catalog.Manager,
	topoLearner *topology.Learner, stream *persistence.StreamRepo) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := catalogMgr.Purge(ctx, now); err != nil {
				log.Warn("companion purge failed", "error", err)
			}
			topoLearner.PruneStale(ctx, now)
			if _, err := stream.PruneOlderThan(ctx, now.Add(-7*24*time.Hour)); err != nil {
				log.Warn("packet stream prune failed", "error", err)
			}
		}
	}
}

func buildTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Connection.Type {
	case config.ConnectionSerial:
		if cfg.Connection.SerialPort == "" {
			return nil, fmt.Errorf("serial connection needs serial_port")
		}
		return transport.NewSerialTransport(cfg.Connection.SerialPort, cfg.Connection.SerialBaud), nil
	case config.ConnectionBLE:
		return transport.NewBLETransport(cfg.Connection.BLEAddress), nil
	case config.ConnectionTCP:
		if cfg.Connection.Host == "" {
			return nil, fmt.Errorf("tcp connection needs host")
		}
		return transport.NewTCPTransport(cfg.Connection.Host, cfg.Connection.Port), nil
	default:
		return nil, fmt.Errorf("unknown connection type %q", cfg.Connection.Type)
	}
}

// companionPurgeWindow reads [Companion_Purge] purge_after_days; zero
// disables purging.
func companionPurgeWindow(cfg *config.Config) time.Duration {
	section, ok := cfg.Section("Companion_Purge")
	if !ok {
		return 0
	}
	days := 0
	if _, err := fmt.Sscanf(section["purge_after_days"], "%d", &days); err != nil || days <= 0 {
		return 0
	}
	return time.Duration(days) * 24 * time.Hour
}

// phrasesFromConfig collects the [Phrases] section values in key order for
// the {phrase} placeholder rotation.
func phrasesFromConfig(cfg *config.Config) []string {
	section, ok := cfg.Section("Phrases")
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(section))
	for k := range section {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, section[k])
	}
	return out
}

// radioService adapts the radio driver to the supervisor's service shape.
type radioService struct {
	svc *radio.Service
}

func (r *radioService) Name() string { return "radio" }

func (r *radioService) Start(ctx context.Context) error {
	return r.svc.Connect(ctx)
}

func (r *radioService) Stop() error {
	return r.svc.Disconnect()
}

func (r *radioService) IsHealthy() bool {
	return r.svc.IsConnected()
}
