// Command openskelod wires together the Store, Queue, Pipeline, Dispatcher,
// Watchdog, Scheduler, and Control API into one running process, the way
// the teacher's services/orchestrator/main.go wires its own components:
// slog + otel init, signal-driven shutdown, graceful HTTP server close.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/openskelo/openskelo/internal/adapter/cli"
	"github.com/openskelo/openskelo/internal/adapter/httpclient"
	"github.com/openskelo/openskelo/internal/audit"
	"github.com/openskelo/openskelo/internal/config"
	"github.com/openskelo/openskelo/internal/dispatcher"
	"github.com/openskelo/openskelo/internal/expansion"
	"github.com/openskelo/openskelo/internal/httpapi"
	"github.com/openskelo/openskelo/internal/model"
	"github.com/openskelo/openskelo/internal/pipeline"
	"github.com/openskelo/openskelo/internal/platform/logging"
	"github.com/openskelo/openskelo/internal/platform/otelinit"
	"github.com/openskelo/openskelo/internal/queue"
	"github.com/openskelo/openskelo/internal/scheduler"
	"github.com/openskelo/openskelo/internal/store"
	"github.com/openskelo/openskelo/internal/templates"
	"github.com/openskelo/openskelo/internal/watchdog"
	"github.com/openskelo/openskelo/internal/webhook"
	"go.opentelemetry.io/otel"
)

func main() {
	configPath := flag.String("config", "openskelo.yaml", "path to the YAML configuration file")
	flag.Parse()

	const service = "openskelod"
	log := logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, service)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("config load failed", "error", err)
		return
	}

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		log.Error("store open failed", "error", err)
		return
	}
	defer st.Close()

	q := queue.New(st)
	p := pipeline.New(st)
	auditLog := audit.New(st.DB())
	exp := expansion.New(st)
	tpl := templates.New(st, p)
	notifier := webhookNotifier(cfg, log)
	st.OnTransition(webhookHook(notifier))

	adapters := buildAdapters(cfg)

	meter := otel.GetMeterProvider().Meter("openskelo")
	disp := dispatcher.New(st, q, p, exp, adapters, dispatcher.Config{
		PollInterval:      time.Duration(cfg.Dispatcher.PollIntervalSeconds) * time.Second,
		LeaseTTL:          time.Duration(cfg.Leases.TTLSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Leases.HeartbeatIntervalSeconds) * time.Second,
		WIPLimits:         wipLimitsMap(cfg),
		Gates:             cfg.Gates,
		OnError:           func(err error) { log.Error("dispatcher error", "error", err) },
	}, log, meter)

	wd := watchdog.New(st, watchdog.Config{
		Interval:      time.Duration(cfg.Watchdog.IntervalSeconds) * time.Second,
		GracePeriod:   time.Duration(cfg.Leases.GracePeriodSeconds) * time.Second,
		OnLeaseExpire: watchdog.OnLeaseExpire(cfg.Watchdog.OnLeaseExpire),
		OnError:       func(err error) { log.Error("watchdog error", "error", err) },
	}, log)

	sched := scheduler.New(st, tpl, log)
	if err := sched.Start(ctx); err != nil {
		log.Error("scheduler start failed", "error", err)
	}

	apiSrv := httpapi.New(httpapi.Deps{
		Store: st, Queue: q, Pipeline: p, Audit: auditLog,
		Dispatcher: disp, Templates: tpl, Scheduler: sched,
		APIKey: cfg.Server.APIKey, Log: log,
	})

	go disp.Run(ctx)
	go wd.Run(ctx)

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: apiSrv}
	go func() {
		log.Info("control api listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control api server error", "error", err)
			cancel()
		}
	}()

	log.Info("openskelod started", "adapters", len(adapters))
	<-ctx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, sdCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer sdCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	sched.Stop(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	log.Info("shutdown complete")
}

func webhookNotifier(cfg *config.Config, log *slog.Logger) *webhook.Notifier {
	return webhook.New(cfg.WebhookURLs, log)
}

// webhookHook maps a committed transition onto the event types spec §6.4
// defines: REVIEW -> review, BLOCKED -> blocked, DONE -> done. Any other
// transition (PENDING, IN_PROGRESS) is not a notifiable event.
func webhookHook(notifier *webhook.Notifier) func(before, after model.Task) {
	return func(before, after model.Task) {
		var event webhook.Event
		switch after.Status {
		case model.StatusReview:
			event = webhook.EventReview
		case model.StatusBlocked:
			event = webhook.EventBlocked
		case model.StatusDone:
			event = webhook.EventDone
		default:
			return
		}
		notifier.Emit(webhook.Payload{
			Event: event, TaskID: after.ID, TaskSummary: after.Summary,
			TaskType: after.Type, TaskStatus: string(after.Status),
			PipelineID: after.PipelineID, Timestamp: time.Now(),
		})
	}
}

func buildAdapters(cfg *config.Config) []dispatcher.Adapter {
	adapters := make([]dispatcher.Adapter, 0, len(cfg.Adapters))
	for _, decl := range cfg.Adapters {
		switch decl.Kind {
		case "cli":
			adapters = append(adapters, cli.New(decl.Name, decl.Command, nil, decl.Types))
		case "http":
			adapters = append(adapters, httpclient.New(decl.Name, decl.URL, decl.Headers, decl.Types))
		}
	}
	return adapters
}

func wipLimitsMap(cfg *config.Config) map[string]int {
	limits := map[string]int{"default": cfg.WIPLimits.Default}
	for t, n := range cfg.WIPLimits.ByType {
		limits[t] = n
	}
	return limits
}

