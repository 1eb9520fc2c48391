package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tomo.ai/internal/ledger"
	"tomo.ai/internal/persistence/accountdb"
	"tomo.ai/internal/persistence/indexdb"
	persistlog "tomo.ai/internal/persistence/log"
	"tomo.ai/internal/persistence/snapshot"
	"tomo.ai/internal/platform/config"
	"tomo.ai/internal/platform/otel"
	"tomo.ai/internal/sim/cluster"
	"tomo.ai/internal/sim/oracle"
	"tomo.ai/internal/sim/scheduler"
	"tomo.ai/internal/sim/tomo"
	"tomo.ai/internal/sim/tuning"
	"tomo.ai/internal/sim/venue"
	"tomo.ai/internal/transport/ws"
)

const (
	primaryID = "primary"
	auxID     = "aux"
)

func main() {
	var env config.Server
	if err := config.ParseEnv(&env); err != nil {
		log.Fatal(err)
	}

	var (
		addr       = flag.String("addr", env.Addr, "http listen address")
		configDir  = flag.String("configs", env.ConfigDir, "config directory")
		dataDir    = flag.String("data", env.DataDir, "runtime data directory")
		tuningPath = flag.String("tuning", env.TuningPath, "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", env.DisableDB, "disable the sqlite tx/audit/snapshot index")
		oracleQ    = flag.Int("oracle_queue", env.OracleQueue, "pending randomness requests before submit fails")
		tries      = flag.Uint("deliver_tries", env.DeliverTries, "oracle/scheduler delivery attempts")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	sigCtx, stopSignals := signalContext()
	defer stopSignals()

	shutdownTracing, err := otel.Setup(sigCtx, "tomo-server")
	if err != nil {
		logger.Fatalf("otel: %v", err)
	}
	defer func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = shutdownTracing(ctx2)
	}()

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	pcfg := tomo.DefaultConfig()
	pcfg.ApplyTuning(tune)
	prog := tomo.New(pcfg)

	primaryDir := filepath.Join(*dataDir, "venues", primaryID)
	auxDir := filepath.Join(*dataDir, "venues", auxID)
	_ = os.MkdirAll(primaryDir, 0o755)
	_ = os.MkdirAll(auxDir, 0o755)

	// Primary: durable ledger, resumes from its own last slot.
	store, err := accountdb.OpenSQLite(filepath.Join(primaryDir, "ledger.db"))
	if err != nil {
		logger.Fatalf("open ledger db: %v", err)
	}
	defer store.Close()
	primarySlot, err := store.LastSlot(sigCtx)
	if err != nil {
		logger.Fatalf("ledger last slot: %v", err)
	}

	// Aux: in memory, resumed from its latest snapshot.
	auxStore := ledger.NewMemStore()
	var auxSlot uint64
	if p := snapshot.Latest(filepath.Join(auxDir, "snapshots")); p != "" {
		snap, err := snapshot.ReadSnapshot(p)
		if err != nil {
			logger.Fatalf("read aux snapshot: %v", err)
		}
		if snap.Header.VenueID != "" && snap.Header.VenueID != auxID {
			logger.Fatalf("snapshot venue mismatch: want=%s snap=%s", auxID, snap.Header.VenueID)
		}
		if err := auxStore.Apply(sigCtx, ledger.Batch{Slot: snap.Header.Slot, Puts: snap.Accounts}); err != nil {
			logger.Fatalf("import aux snapshot: %v", err)
		}
		auxSlot = snap.Header.Slot
		logger.Printf("aux resumed from snapshot=%s slot=%d accounts=%d", filepath.Base(p), auxSlot, len(snap.Accounts))
	}

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index.db"))
		if err != nil {
			logger.Fatalf("open index db: %v", err)
		}
		defer idx.Close()
	}

	primaryTxLog := persistlog.NewTxLogger(primaryDir)
	auxTxLog := persistlog.NewTxLogger(auxDir)
	auditLog := persistlog.NewAuditLogger(*dataDir)
	defer primaryTxLog.Close()
	defer auxTxLog.Close()
	defer auditLog.Close()

	primaryLoggers := []venue.TxLogger{primaryTxLog}
	auxLoggers := []venue.TxLogger{auxTxLog}
	auditors := []ws.Auditor{auditLog}
	if idx != nil {
		primaryLoggers = append(primaryLoggers, idx)
		auxLoggers = append(auxLoggers, idx)
		auditors = append(auditors, idx)
	}

	snapCh := make(chan snapshot.SnapshotV1, 4)
	writeSnap := func(snap snapshot.SnapshotV1) {
		path := filepath.Join(*dataDir, "venues", snap.Header.VenueID, "snapshots", snapshot.FileName(snap.Header.Slot))
		if err := snapshot.WriteSnapshot(path, snap); err != nil {
			logger.Printf("snapshot write: %v", err)
			return
		}
		idx.RecordSnapshot(path, snap)
	}

	primary := venue.New(venue.Config{
		ID:                 primaryID,
		StartSlot:          primarySlot,
		SnapshotEverySlots: uint64(tune.Venue.SnapshotEverySlots),
	}, store, venue.Options{
		Logger:       log.New(os.Stdout, "[primary] ", log.LstdFlags|log.Lmicroseconds),
		TxLoggers:    primaryLoggers,
		SnapshotSink: snapCh,
	})
	aux := venue.New(venue.Config{
		ID:                 auxID,
		StartSlot:          auxSlot,
		SnapshotEverySlots: uint64(tune.Venue.AuxSnapshotEvery),
	}, auxStore, venue.Options{
		Logger:       log.New(os.Stdout, "[aux] ", log.LstdFlags|log.Lmicroseconds),
		TxLoggers:    auxLoggers,
		SnapshotSink: snapCh,
	})

	cl := cluster.New(cluster.Config{
		Program: prog,
		Primary: primary,
		Aux:     aux,
		Logger:  log.New(os.Stdout, "[cluster] ", log.LstdFlags|log.Lmicroseconds),
	})

	secret := []byte(env.OracleSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			logger.Fatalf("oracle secret: %v", err)
		}
	}
	orc := oracle.NewLocal(oracle.LocalConfig{
		Identity:  pcfg.OracleIdentity,
		Queue:     pcfg.OracleQueue,
		Secret:    secret,
		QueueSize: *oracleQ,
		MaxTries:  *tries,
		Retryable: cluster.Retryable,
	}, cl, log.New(os.Stdout, "[oracle] ", log.LstdFlags|log.Lmicroseconds))
	sched := scheduler.NewLocal(scheduler.LocalConfig{
		Identity:  pcfg.SchedulerIdentity,
		MaxTries:  *tries,
		Retryable: cluster.Retryable,
	}, cl, log.New(os.Stdout, "[scheduler] ", log.LstdFlags|log.Lmicroseconds))
	cl.SetOracle(orc)
	cl.SetScheduler(sched)

	// Venues outlive the http server so the final snapshots see a quiet ledger.
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case snap := <-snapCh:
				writeSnap(snap)
			}
		}
	}()
	for _, v := range []*venue.Venue{primary, aux} {
		go func(v *venue.Venue) {
			if err := v.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("venue %s stopped: %v", v.ID(), err)
			}
		}(v)
	}
	go func() {
		if err := orc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("oracle stopped: %v", err)
		}
	}()
	go func() {
		if err := sched.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("scheduler stopped: %v", err)
		}
	}()

	if n, err := cl.Recover(runCtx); err != nil {
		logger.Printf("recover sealed creatures: %v", err)
	} else if n > 0 {
		logger.Printf("settled %d undelegation(s) left from the last run", n)
	}

	wsSrv, err := ws.NewServer(cl, ws.Options{
		Logger:   log.New(os.Stdout, "[ws] ", log.LstdFlags|log.Lmicroseconds),
		Auditors: auditors,
		Venues:   []string{primaryID, auxID},
	})
	if err != nil {
		logger.Fatalf("ws: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, cl, orc, sched, idx)
	})
	if envBool("TOMO_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(map[string]any{
				"program_id":      prog.ID().String(),
				"primary_slot":    primary.CurrentSlot(),
				"aux_slot":        aux.CurrentSlot(),
				"pending_commits": cl.Pending(),
				"oracle":          orc.Stats(),
				"tasks":           sched.Tasks(),
			})
		})
		mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx2, cancel2 := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel2()
			slots := map[string]uint64{}
			rw.Header().Set("Content-Type", "application/json")
			for _, v := range []*venue.Venue{primary, aux} {
				snap, err := v.Snapshot(ctx2)
				if err != nil {
					rw.WriteHeader(http.StatusServiceUnavailable)
					_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "venue": v.ID(), "error": err.Error()})
					return
				}
				writeSnap(snap)
				slots[v.ID()] = snap.Header.Slot
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "slots": slots})
		})
	} else {
		logger.Printf("admin endpoints disabled (TOMO_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("TOMO_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-sigCtx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("program=%s primary_slot=%d aux_slot=%d", prog.ID().Short(), primarySlot, auxSlot)
	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	sched.Close()
	finalCtx, cancelFinal := context.WithTimeout(context.Background(), 10*time.Second)
	for _, v := range []*venue.Venue{primary, aux} {
		snap, err := v.Snapshot(finalCtx)
		if err != nil {
			logger.Printf("final snapshot %s: %v", v.ID(), err)
			continue
		}
		writeSnap(snap)
	}
	cancelFinal()
	stopRun()
	<-primary.Done()
	<-aux.Done()
	if n := cl.Pending(); n > 0 {
		logger.Printf("shutdown with %d undelivered commit(s)", n)
	}
}

func writeMetrics(rw http.ResponseWriter, cl *cluster.Cluster, orc *oracle.Local, sched *scheduler.Local, idx *indexdb.SQLiteIndex) {
	fmt.Fprintf(rw, "# HELP tomo_venue_slot Current venue slot.\n")
	fmt.Fprintf(rw, "# TYPE tomo_venue_slot gauge\n")
	fmt.Fprintf(rw, "tomo_venue_slot{venue=%q} %d\n", primaryID, cl.Primary().CurrentSlot())
	fmt.Fprintf(rw, "tomo_venue_slot{venue=%q} %d\n", auxID, cl.Aux().CurrentSlot())

	fmt.Fprintf(rw, "# HELP tomo_pending_commits Commits waiting to be applied to the primary venue.\n")
	fmt.Fprintf(rw, "# TYPE tomo_pending_commits gauge\n")
	fmt.Fprintf(rw, "tomo_pending_commits %d\n", cl.Pending())

	s := orc.Stats()
	fmt.Fprintf(rw, "# HELP tomo_oracle_requests_total Randomness requests by outcome.\n")
	fmt.Fprintf(rw, "# TYPE tomo_oracle_requests_total counter\n")
	fmt.Fprintf(rw, "tomo_oracle_requests_total{state=%q} %d\n", "submitted", s.Submitted)
	fmt.Fprintf(rw, "tomo_oracle_requests_total{state=%q} %d\n", "delivered", s.Delivered)
	fmt.Fprintf(rw, "tomo_oracle_requests_total{state=%q} %d\n", "failed", s.Failed)

	fmt.Fprintf(rw, "# HELP tomo_scheduler_tasks Registered crank tasks.\n")
	fmt.Fprintf(rw, "# TYPE tomo_scheduler_tasks gauge\n")
	fmt.Fprintf(rw, "tomo_scheduler_tasks %d\n", len(sched.Tasks()))

	if idx == nil {
		return
	}
	st := idx.Stats()
	fmt.Fprintf(rw, "# HELP tomo_index_queue_depth Index writer backlog.\n")
	fmt.Fprintf(rw, "# TYPE tomo_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "tomo_index_queue_depth %d\n", st.QueueDepth)
	fmt.Fprintf(rw, "# HELP tomo_index_dropped_total Index entries dropped because the queue was full.\n")
	fmt.Fprintf(rw, "# TYPE tomo_index_dropped_total counter\n")
	fmt.Fprintf(rw, "tomo_index_dropped_total{kind=%q} %d\n", "tx", st.DropTxTotal)
	fmt.Fprintf(rw, "tomo_index_dropped_total{kind=%q} %d\n", "audit", st.DropAuditTotal)
	fmt.Fprintf(rw, "tomo_index_dropped_total{kind=%q} %d\n", "snapshot", st.DropSnapshotTotal)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
