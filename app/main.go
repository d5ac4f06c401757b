package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/booktalk/booktalk/app/conditions"
	"github.com/booktalk/booktalk/app/history"
	"github.com/booktalk/booktalk/app/jobs"
	"github.com/booktalk/booktalk/app/notify"
	"github.com/booktalk/booktalk/app/runner"
	"github.com/booktalk/booktalk/app/snapshot"
	"github.com/booktalk/booktalk/app/web"
)

var opts struct {
	SnapshotFile string        `short:"f" long:"snapshot" env:"BOOKTALK_SNAPSHOT" default:"booktalk-state.json" description:"queue snapshot file"`
	Command      string        `short:"c" long:"command" env:"BOOKTALK_COMMAND" default:"booktalk-synth" description:"synthesis command, executed per job via sh -c"`
	Listen       string        `long:"listen" env:"BOOKTALK_LISTEN" default:":8080" description:"listen address for the control API"`
	AuthHash     string        `long:"auth-hash" env:"BOOKTALK_AUTH_HASH" description:"bcrypt hash enabling basic auth (empty to disable)"`
	Conditions   string        `long:"conditions" env:"BOOKTALK_CONDITIONS" description:"YAML file with host resource thresholds gating job start"`
	PollInterval time.Duration `long:"poll-interval" env:"BOOKTALK_POLL_INTERVAL" default:"5s" description:"worker fallback poll interval"`
	KillTimeout  time.Duration `long:"kill-timeout" env:"BOOKTALK_KILL_TIMEOUT" default:"10s" description:"grace period after SIGTERM before kill"`
	Dbg          bool          `long:"dbg" env:"BOOKTALK_DEBUG" description:"debug mode"`

	History struct {
		DB    string `long:"db" env:"DB" description:"history sqlite file (empty to disable)"`
		Keep  int    `long:"keep" env:"KEEP" default:"1000" description:"max history rows to keep"`
		Sweep string `long:"sweep" env:"SWEEP" default:"@daily" description:"cron spec for history cleanup"`
	} `group:"history" namespace:"history" env-namespace:"BOOKTALK_HISTORY"`

	Notify struct {
		EnabledError      bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"enable notifications on errors"`
		EnabledCompletion bool          `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"enable completion notifications"`
		SMTPHost          string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort          int           `long:"smtp-port" env:"SMTP_PORT" description:"SMTP port"`
		SMTPUsername      string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword      string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS           bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		Timeout           time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"notification send timeout"`
		FromEmail         string        `long:"from" env:"FROM" description:"from email"`
		ToEmails          []string      `long:"to" env:"TO" description:"to email(s)" env-delim:","`
		WebhookURLs       []string      `long:"webhook" env:"WEBHOOK" description:"webhook url(s)" env-delim:","`
		HostName          string        `long:"host" env:"HOSTNAME" description:"host name running booktalk"`
	} `group:"notify" namespace:"notify" env-namespace:"BOOKTALK_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable file logging"`
		Filename        string `long:"file" env:"FILE" default:"booktalk.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log size, megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files, days"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"BOOKTALK_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("booktalk %s\n", revision)

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

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] booktalk failed, %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	snap, err := snapshot.New(opts.SnapshotFile)
	if err != nil {
		return fmt.Errorf("can't create snapshot manager: %w", err)
	}

	store := jobs.NewStore(snap)
	if st, ok := snap.Load(); ok {
		store.Restore(st)
	}

	sched := &jobs.Scheduler{
		Store:        store,
		Runner:       &runner.Exec{Command: opts.Command, KillTimeout: opts.KillTimeout},
		PollInterval: opts.PollInterval,
	}

	if opts.Conditions != "" {
		cfg, err := conditions.LoadConfig(opts.Conditions)
		if err != nil {
			return fmt.Errorf("can't load conditions config: %w", err)
		}
		if !cfg.Empty() {
			sched.Gate = conditions.NewChecker(cfg)
		}
	}

	var hist *history.Store
	if opts.History.DB != "" {
		if hist, err = history.NewStore(opts.History.DB); err != nil {
			return fmt.Errorf("can't open history store: %w", err)
		}
		defer func() {
			if err := hist.Close(); err != nil {
				log.Printf("[WARN] failed to close history store, %v", err)
			}
		}()
		sched.History = hist
		if err = hist.StartSweeper(ctx, opts.History.Sweep, opts.History.Keep); err != nil {
			return fmt.Errorf("can't start history sweeper: %w", err)
		}
	}

	notifier := makeNotifier()
	if notifier != nil {
		sched.Notifier = notifier
		defer notifier.Wait()
	}

	webCfg := web.Config{
		Scheduler:    sched,
		Version:      revision,
		Hostname:     makeHostName(),
		PasswordHash: opts.AuthHash,
	}
	if hist != nil {
		webCfg.History = hist
	}
	srv, err := web.New(webCfg)
	if err != nil {
		return fmt.Errorf("can't create web server: %w", err)
	}
	go func() {
		if err := srv.Run(ctx, opts.Listen); err != nil {
			log.Printf("[ERROR] web server terminated, %v", err)
		}
	}()

	sched.Do(ctx)
	return nil
}

func makeNotifier() *notify.Service {
	if !opts.Notify.EnabledError && !opts.Notify.EnabledCompletion {
		return nil
	}

	from := opts.Notify.FromEmail
	if from == "" {
		from = "booktalk@" + makeHostName()
	}

	return notify.NewService(notify.Params{
		OnError:      opts.Notify.EnabledError,
		OnCompletion: opts.Notify.EnabledCompletion,
		Timeout:      opts.Notify.Timeout,
		EmailTo:      opts.Notify.ToEmails,
		EmailFrom:    from,
		SMTPHost:     opts.Notify.SMTPHost,
		SMTPPort:     opts.Notify.SMTPPort,
		SMTPTLS:      opts.Notify.SMTPTLS,
		SMTPUser:     opts.Notify.SMTPUsername,
		SMTPPass:     opts.Notify.SMTPPassword,
		WebhookURLs:  opts.Notify.WebhookURLs,
		HostName:     makeHostName(),
	})
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func setupLogs() io.Writer {
	logOpts := []log.Option{log.Msec}
	if opts.Dbg {
		logOpts = []log.Option{log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile}
	}

	if !opts.Log.Enabled {
		log.Setup(logOpts...)
		return os.Stdout
	}

	fileLogger := &lumberjack.Logger{
		Filename:   opts.Log.Filename,
		MaxSize:    opts.Log.MaxSize,
		MaxBackups: opts.Log.MaxBackups,
		MaxAge:     opts.Log.MaxAge,
		Compress:   opts.Log.EnabledCompress,
	}
	logOpts = append(logOpts, log.Out(fileLogger), log.Err(fileLogger))
	log.Setup(logOpts...)
	return fileLogger
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
			cancel() // terminate on SIGTERM and SIGINT
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
