package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/archety/edged/internal/backendclient"
	"github.com/archety/edged/internal/commandchannel"
	"github.com/archety/edged/internal/commandhandler"
	"github.com/archety/edged/internal/config"
	"github.com/archety/edged/internal/coordinator"
	"github.com/archety/edged/internal/ingress"
	"github.com/archety/edged/internal/lockfile"
	"github.com/archety/edged/internal/logging"
	"github.com/archety/edged/internal/scheduler"
	"github.com/archety/edged/internal/sendqueue"
	"github.com/archety/edged/internal/store"
	"github.com/archety/edged/internal/supervisor"
	"github.com/archety/edged/internal/telemetry"
	"github.com/archety/edged/internal/transport"
	"github.com/archety/edged/internal/types"
)

// daemon owns every long-lived component and their wiring, so start/status/
// stop can each talk about the same shaped state.
type daemon struct {
	cfg *config.Config
	log *logging.Logger

	lock *lockfile.Lock
	st   *store.Store
	sup  *supervisor.Supervisor
	tel  *telemetry.Provider

	coord *coordinator.Coordinator
	sched *scheduler.Scheduler
	queue *sendqueue.Queue
	trans *transport.Transport
	back  *backendclient.Client
	ch    *commandchannel.Channel
	sync  *syncLoop
}

// buildDaemon loads configuration, acquires the instance lock, and wires
// every component in dependency order without starting any of them.
func buildDaemon(runDir string) (*daemon, error) {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logging.Open(cfg.Logging.File, logging.ParseLevel(cfg.Logging.Level))
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}

	lock, err := lockfile.Acquire(runDir, cfg.Edge.AgentID, Version)
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}

	st, err := store.Open(filepath.Join(runDir, "state.db"))
	if err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("open state store: %w", err)
	}

	tel, err := telemetry.New(context.Background(), telemetry.Config{})
	if err != nil {
		_ = st.Close()
		_ = lock.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	home, _ := os.UserHomeDir()
	resolver, err := transport.NewPathResolver(cfg.IMessage.AttachmentsPath, home)
	if err != nil {
		return nil, fmt.Errorf("build attachments resolver: %w", err)
	}
	reader, err := transport.OpenChatDB(cfg.IMessage.DBPath, resolver)
	if err != nil {
		return nil, fmt.Errorf("open chat datastore: %w", err)
	}
	sender := transport.NewAppleScriptSender()
	trans := transport.New(reader, sender)

	coord := coordinator.New()
	queue := sendqueue.New(queueSender{t: trans}, sendqueue.Options{}, log, tel)

	back := backendclient.New(cfg.Backend.URL, cfg.EdgeSecret, cfg.Edge.AgentID, cfg.Backend.MaxConcurrentRequests)

	d := &daemon{cfg: cfg, log: log, lock: lock, st: st, tel: tel, coord: coord, queue: queue, trans: trans, back: back}

	sched, err := scheduler.Open(filepath.Join(runDir, "scheduler.db"), d.dispatchScheduled, scheduler.Options{}, log, tel)
	if err != nil {
		return nil, fmt.Errorf("open scheduler: %w", err)
	}
	d.sched = sched

	rpc := &storeRulePlanContext{st: st}
	handler, err := commandhandler.New(queue, sched, coord, rpc)
	if err != nil {
		return nil, fmt.Errorf("build command handler: %w", err)
	}

	var wsURL string
	if cfg.WebSocket.Enabled && cfg.Backend.URL != "" {
		wsURL = httpToWS(cfg.Backend.URL) + "/edge/ws"
	}
	d.ch = commandchannel.New(wsURL, cfg.EdgeSecret, cfg.Edge.AgentID, handler.Handle, d.onConfigUpdate, coord,
		log, tel, commandchannel.Options{PingInterval: time.Duration(cfg.WebSocket.PingIntervalSeconds) * time.Second})

	in := ingress.New(trans, back, queue, sched, coord, st, log, tel, ingress.Options{
		PollInterval: time.Duration(cfg.IMessage.PollIntervalSeconds) * time.Second,
		Parallelism:  cfg.Performance.ParallelMessageProcessing,
	})

	d.sync = newSyncLoop(back, handler, coord, st, log, cfg.Edge.AgentID,
		time.Duration(cfg.Backend.SyncIntervalSeconds)*time.Second)

	sup := supervisor.New(log)
	sup.Add(supervisor.Component{Name: "scheduler", Run: sched.Run, Close: sched.Close})
	sup.Add(supervisor.Component{Name: "sendqueue", Run: func(ctx context.Context) error { queue.Run(ctx); return nil }})
	sup.Add(supervisor.Component{Name: "commandchannel", Run: func(ctx context.Context) error { d.ch.Run(ctx); return nil }})
	sup.Add(supervisor.Component{Name: "syncloop", Run: d.sync.Run})
	sup.Add(supervisor.Component{Name: "ingress", Run: in.Run})
	d.sup = sup

	return d, nil
}

// dispatchScheduled is the Scheduler's Dispatch callback: it hands the due
// message to the SendQueue rather than sending it directly, so a scheduled
// delivery gets the same retry back-off, TTL, FIFO ordering, and
// depth/delivered/dropped accounting as every other outbound message. The
// scheduled row is only marked failed once the queue itself has exhausted
// its retries (via the job's OnFailed callback), not on the first
// transient or rate-limit error.
func (d *daemon) dispatchScheduled(ctx context.Context, msg types.ScheduledMessage) error {
	job := sendqueue.Job{
		ThreadID: msg.ThreadID,
		Text:     msg.Text,
		IsGroup:  msg.IsGroup,
		OnFailed: func(err error) {
			if ferr := d.sched.Fail(context.Background(), msg.ID, err.Error()); ferr != nil {
				d.log.Error("daemon: mark scheduled message %s failed: %v", msg.ID, ferr)
			}
		},
	}
	if !d.queue.Enqueue(job) {
		return fmt.Errorf("send queue full")
	}
	return nil
}

// onConfigUpdate inspects a live config_update frame and logs a warning for
// each key that is not hot-reloadable. No key is applied to the running
// daemon.
func (d *daemon) onConfigUpdate(data json.RawMessage) {
	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		d.log.Warn("daemon: malformed config_update: %v", err)
		return
	}
	for key := range patch {
		if !config.IsHotReloadable(key) {
			d.log.Warn("daemon: ignoring non-hot-reloadable config key %q from backend", key)
		}
	}
}

func (d *daemon) close() {
	if d.tel != nil {
		_ = d.tel.Shutdown(context.Background())
	}
	if d.st != nil {
		_ = d.st.Close()
	}
	if d.lock != nil {
		_ = d.lock.Close()
	}
}

func httpToWS(u string) string {
	switch {
	case len(u) >= 8 && u[:8] == "https://":
		return "wss://" + u[8:]
	case len(u) >= 7 && u[:7] == "http://":
		return "ws://" + u[7:]
	default:
		return u
	}
}
