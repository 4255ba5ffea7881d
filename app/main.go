package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	pkgznotify "github.com/go-pkgz/notify"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/modelops/trainwatch/app/api"
	"github.com/modelops/trainwatch/app/config"
	"github.com/modelops/trainwatch/app/notify"
	"github.com/modelops/trainwatch/app/persistence"
	"github.com/modelops/trainwatch/app/push"
	"github.com/modelops/trainwatch/app/reconcile"
	"github.com/modelops/trainwatch/app/web"
)

var opts struct {
	Config string `short:"f" long:"config" env:"TRAINWATCH_CONFIG" default:"trainwatch.yml" description:"config file"`
	Listen string `long:"listen" env:"TRAINWATCH_LISTEN" default:":8080" description:"dashboard listen address"`
	DB     string `long:"db" env:"TRAINWATCH_DB" default:"trainwatch.db" description:"sqlite database file"`

	PasswordHash string `long:"password-hash" env:"TRAINWATCH_PASSWORD_HASH" description:"bcrypt hash protecting the dashboard, empty disables auth"`

	SnapshotEvery string        `long:"snapshot-every" env:"TRAINWATCH_SNAPSHOT_EVERY" default:"@every 1m" description:"cron spec for state snapshots"`
	CleanupEvery  string        `long:"cleanup-every" env:"TRAINWATCH_CLEANUP_EVERY" default:"@every 24h" description:"cron spec for history cleanup"`
	Retention     time.Duration `long:"retention" env:"TRAINWATCH_RETENTION" default:"720h" description:"how long to keep transition history"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Filename        string `long:"filename" env:"FILENAME" description:"log to file instead of stdout"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max size of log file in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated log files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated log files in days"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"enable compression of rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"TRAINWATCH_LOG"`

	Notify struct {
		SMTPHost     string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort     int           `long:"smtp-port" env:"SMTP_PORT" default:"587" description:"SMTP port"`
		SMTPUsername string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS      bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPTimeOut  time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP connection timeout"`
		FromEmail    string        `long:"from" env:"FROM" description:"notification from email"`
		Template     string        `long:"template" env:"TEMPLATE" description:"custom email template file"`
	} `group:"notify" namespace:"notify" env-namespace:"TRAINWATCH_NOTIFY"`

	ConfigSchema bool `long:"config-schema" description:"print config json schema and exit"`
	Dbg          bool `long:"dbg" env:"TRAINWATCH_DEBUG" description:"debug mode"`
}

var revision = "unknown"

func main() {
	fmt.Printf("trainwatch %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	if opts.ConfigSchema {
		if err := printConfigSchema(os.Stdout); err != nil {
			log.Printf("[ERROR] can't generate config schema, %v", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] trainwatch failed, %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	token := cfg.ResolveToken()

	dedup := api.NewDeduplicator(&http.Client{Timeout: 30 * time.Second})
	dedup.TTL = cfg.Dedup.TTL.Std()
	dedup.MaxSize = cfg.Dedup.MaxSize
	client := api.NewClient(cfg.Backend.URL, token, dedup)

	store, err := persistence.NewSQLiteStore(opts.DB)
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer func() {
		if e := store.Close(); e != nil {
			log.Printf("[WARN] failed to close state db, %v", e)
		}
	}()
	recorder := &persistence.Recorder{Store: store}

	notifier := makeNotifier(cfg)

	var pusher reconcile.Subscriber
	if !cfg.Push.Disabled {
		pusher = pushAdapter{client: push.NewClient()}
	}

	rec := reconcile.New(reconcile.Params{
		Client:       client,
		Pusher:       pusher,
		PushURL:      cfg.Push.URL,
		Channel:      cfg.Push.Channel,
		UserID:       cfg.Push.UserID,
		Token:        token,
		FastPoll:     cfg.Poll.Fast.Std(),
		SlowPoll:     cfg.Poll.Slow.Std(),
		BackupPoll:   cfg.Poll.Backup.Std(),
		Persist:      recorder,
		OnTransition: makeTransitionHook(notifier),
	})

	// warm the store with the last persisted snapshot
	if recs, e := recorder.LoadRecords(); e != nil {
		log.Printf("[WARN] failed to load persisted jobs, starting empty: %v", e)
	} else if len(recs) > 0 {
		rec.Store().Load(recs)
		log.Printf("[INFO] restored %d jobs from %s", len(recs), opts.DB)
	}

	maint, err := makeMaintenance(rec, recorder, store)
	if err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	maint.Start()
	defer maint.Stop()

	srv, err := web.New(web.Config{
		Jobs:         rec.Store(),
		Mode:         rec.Mode,
		Backend:      client,
		History:      store,
		Version:      revision,
		PasswordHash: opts.PasswordHash,
	})
	if err != nil {
		return fmt.Errorf("make web server: %w", err)
	}
	go func() {
		if e := srv.Run(ctx, opts.Listen); e != nil && !errors.Is(e, http.ErrServerClosed) {
			log.Printf("[ERROR] web server terminated, %v", e)
		}
	}()

	err = rec.Run(ctx)

	// final snapshot so a restart picks up where we left off
	if e := recorder.SaveJobs(rec.Store().Snapshot()); e != nil {
		log.Printf("[WARN] failed to save final snapshot, %v", e)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("reconciler terminated: %w", err)
	}
	return nil
}

// pushAdapter narrows the push client to the reconciler's subscriber interface
type pushAdapter struct {
	client *push.Client
}

func (p pushAdapter) Subscribe(ctx context.Context, req push.Request) (reconcile.Channel, error) {
	return p.client.Subscribe(ctx, req)
}

// makeMaintenance schedules periodic snapshots and history cleanup
func makeMaintenance(rec *reconcile.Reconciler, recorder *persistence.Recorder, store *persistence.SQLiteStore) (*cron.Cron, error) {
	maint := cron.New()

	if _, err := maint.AddFunc(opts.SnapshotEvery, func() {
		if err := recorder.SaveJobs(rec.Store().Snapshot()); err != nil {
			log.Printf("[WARN] snapshot failed, %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("bad snapshot schedule %q: %w", opts.SnapshotEvery, err)
	}

	if _, err := maint.AddFunc(opts.CleanupEvery, func() {
		n, err := store.CleanupTransitions(opts.Retention)
		if err != nil {
			log.Printf("[WARN] history cleanup failed, %v", err)
			return
		}
		if n > 0 {
			log.Printf("[INFO] removed %d stale transitions", n)
		}
	}); err != nil {
		return nil, fmt.Errorf("bad cleanup schedule %q: %w", opts.CleanupEvery, err)
	}

	return maint, nil
}

func makeNotifier(cfg *config.Config) *notify.Service {
	from := opts.Notify.FromEmail
	if from == "" {
		from = "trainwatch@" + makeHostName()
	}
	return notify.NewService(notify.Params{
		Webhooks: cfg.Notify.Webhooks,
		Emails:   cfg.Notify.Emails,
		From:     from,
		Template: opts.Notify.Template,
		Timeout:  opts.Notify.SMTPTimeOut,
		SMTP: pkgznotify.SMTPParams{
			Host:     opts.Notify.SMTPHost,
			Port:     opts.Notify.SMTPPort,
			TLS:      opts.Notify.SMTPTLS,
			Username: opts.Notify.SMTPUsername,
			Password: opts.Notify.SMTPPassword,
			TimeOut:  opts.Notify.SMTPTimeOut,
		},
	})
}

// makeTransitionHook wires terminal transitions to the notifier, nil-safe
func makeTransitionHook(notifier *notify.Service) func(prev, cur reconcile.Record) {
	if notifier == nil {
		return nil
	}
	return func(prev, cur reconcile.Record) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := notifier.Send(ctx, prev, cur); err != nil {
				log.Printf("[WARN] notification for job %s failed, %v", cur.JobID, err)
			}
		}()
	}
}

func printConfigSchema(w io.Writer) error {
	schema, err := config.GenerateSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(schema)
}

func makeHostName() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return os.Stdout
	}

	log.Setup(log.Msec)
	if opts.Dbg {
		log.Setup(log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}

	if opts.Log.Filename != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
		log.Setup(log.Out(fileLogger), log.Err(fileLogger))
		return fileLogger
	}
	return os.Stdout
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM)
}
