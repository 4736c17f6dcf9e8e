// Command smtpd runs the SMTP session engine: it parses a configuration
// file, wires up the Dns/Auth/Mfa/Queue collaborators, and runs the
// engine until terminated, as a single static binary composition root.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailcore/smtpd/internal/auth"
	"github.com/mailcore/smtpd/internal/config"
	"github.com/mailcore/smtpd/internal/dns"
	"github.com/mailcore/smtpd/internal/mfa"
	"github.com/mailcore/smtpd/internal/mlog"
	"github.com/mailcore/smtpd/internal/queue"
	"github.com/mailcore/smtpd/internal/session"
)

func main() {
	var (
		configPath = flag.String("config", "/etc/smtpd/smtpd.conf", "path to configuration file")
		describe   = flag.Bool("describe-config", false, "print an annotated example configuration and exit")
	)
	flag.Parse()

	if *describe {
		if err := config.Describe(os.Stdout, config.Static{}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.ParseFile(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "smtpd:", err)
		os.Exit(1)
	}

	log := mlog.New("smtpd")
	switch cfg.LogLevel {
	case "error":
		mlog.SetLevel("", mlog.LevelError)
	case "debug":
		mlog.SetLevel("", mlog.LevelDebug)
	case "trace":
		mlog.SetLevel("", mlog.LevelTrace)
	case "traceauth":
		mlog.SetLevel("", mlog.LevelTraceauth)
	}

	if err := run(cfg, log); err != nil {
		log.Error("fatal", slog.Any("err", err))
		os.Exit(1)
	}
}

func run(cfg config.Static, log mlog.Log) error {
	ctx := context.Background()

	dnsReplies := make(chan dns.PtrReply, 64)
	resolver, err := dns.NewLiveResolver(log, cfg.DNSResolvers, 0, dnsReplies)
	if err != nil {
		return fmt.Errorf("starting dns resolver: %w", err)
	}

	authReplies := make(chan auth.Reply, 64)
	authChecker, err := auth.NewBadgerChecker(log, cfg.BadgerDir, authReplies)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}

	mfaReplies := make(chan mfa.Reply, 64)
	mfaEngine := mfa.NewAllowAll(mfaReplies)

	queueCreate := make(chan queue.CreateReply, 64)
	queueFile := make(chan queue.FileReply, 64)
	queueSubmit := make(chan queue.SubmitReply, 64)
	queueCommitEnv := make(chan queue.CommitEnvelopesReply, 64)
	queueCommitMsg := make(chan queue.CommitMessageReply, 64)
	store, err := queue.NewStore(ctx, log, cfg.PostgresURL, cfg.SpoolDir, queue.Replies{
		Create:         queueCreate,
		File:           queueFile,
		Submit:         queueSubmit,
		CommitEnvelope: queueCommitEnv,
		CommitMessage:  queueCommitMsg,
	})
	if err != nil {
		return fmt.Errorf("opening queue store: %w", err)
	}

	engine, err := session.NewEngine(cfg, log, session.Collaborators{
		Dns:            resolver,
		Auth:           authChecker,
		Mfa:            mfaEngine,
		Queue:          store,
		DNSReplies:     dnsReplies,
		AuthReplies:    authReplies,
		MfaReplies:     mfaReplies,
		MfaDataReplies: make(chan mfa.DataLineReply, 1),
		QueueCreate:    queueCreate,
		QueueFile:      queueFile,
		QueueSubmit:    queueSubmit,
		QueueCommitEnv: queueCommitEnv,
		QueueCommitMsg: queueCommitMsg,
	})
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Errorx("metrics server exited", http.ListenAndServe(cfg.MetricsAddr, mux))
		}()
	}

	engine.Run()
	return nil
}
