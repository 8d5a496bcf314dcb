package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ccassar/replica"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func (a *app) run(sigChan chan os.Signal, lcfg zap.Config) {

	err := a.configure(lcfg)
	if err != nil {
		os.Exit(-1)
	}

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sigChan:
			a.lg.Info("application received shutdown signal")
			cancel()
		}
	}()

	wg.Add(1)
	c, err := replica.MakeCoordinator(ctx, &wg, a.cc, a.opts...)
	if err != nil {
		a.lg.Errorf("application failed to create coordinator: %v", err)
		os.Exit(-1)
	}

	fatal := false
	select {
	case <-ctx.Done():
	case err = <-c.FatalErrorChannel():
		// No leader could be elected; there is nothing left for us to do.
		a.lg.Errorw("fatal error from coordinator", "err", err)
		fatal = true
		cancel()
	}

	wg.Wait()
	if fatal {
		os.Exit(1)
	}
}

// appCfg is the recipient of the JSON configuration.
type appCfg struct {
	Replicas     []replica.Replica
	Listen       string
	PollInterval string
	ProbeTimeout string
	StartupGrace string
	// GRPCHealthProbe probes replicas advertising a health address over gRPC.
	GRPCHealthProbe bool
	Metrics         struct {
		Endpoint  string
		Path      string
		Namespace string
	}
}

type app struct {
	cc          replica.CoordinatorConfig
	opts        []replica.CoordinatorOption
	cfgFile     string
	lg          *zap.SugaredLogger
	debug       bool
	zapFile     string
	zapEncoding string
}

func (a *app) configure(lcfg zap.Config) error {

	if a.debug {
		lcfg.Level.SetLevel(zapcore.DebugLevel)
	}
	if a.zapEncoding != "" {
		lcfg.Encoding = a.zapEncoding
	}
	if a.zapFile != "" {
		lcfg.OutputPaths = []string{a.zapFile}
	}

	lcfg.DisableStacktrace = true
	lg, err := lcfg.Build()
	if err != nil {
		fmt.Println("Failed to start app with logger configuration failure", err)
		return err
	}
	a.lg = lg.Sugar()

	fstream, err := ioutil.ReadFile(a.cfgFile)
	if err != nil {
		a.lg.Errorf("Failed to load configuration file [%v]", err)
		return err
	}

	var ac appCfg
	if err = json.Unmarshal(fstream, &ac); err != nil {
		a.lg.Errorf("Failed to unmarshal configuration file [%v]", err)
		return err
	}

	a.cc = replica.CoordinatorConfig{
		Replicas: ac.Replicas,
		Listen:   ac.Listen,
	}

	for _, d := range []struct {
		s string
		d *time.Duration
	}{
		{ac.PollInterval, &a.cc.PollInterval},
		{ac.ProbeTimeout, &a.cc.ProbeTimeout},
		{ac.StartupGrace, &a.cc.StartupGrace},
	} {
		if d.s == "" {
			continue
		}
		if *d.d, err = time.ParseDuration(d.s); err != nil {
			a.lg.Errorf("Failed to parse duration '%s' [%v]", d.s, err)
			return err
		}
	}

	a.opts = []replica.CoordinatorOption{replica.WithCoordinatorLogger(lg, a.debug)}
	if ac.GRPCHealthProbe {
		a.opts = append(a.opts, replica.WithGRPCHealthProbe())
	}

	if ac.Metrics.Endpoint != "" {

		metricsReg := prometheus.NewRegistry()
		handlerMux := http.NewServeMux()
		handlerMux.Handle(ac.Metrics.Path, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
		metricServer := &http.Server{Addr: ac.Metrics.Endpoint, Handler: handlerMux}

		go func() {
			err := metricServer.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				a.lg.Errorf("Failed to serve metrics for application, cfg: '%+v' [%v]", ac.Metrics, err)
			}
		}()

		a.opts = append(a.opts, replica.WithCoordinatorMetrics(metricsReg, ac.Metrics.Namespace, true))
	}

	return nil
}

func main() {

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGABRT)

	var a app

	flag.BoolVar(&a.debug, "debug", false, "enable debug")
	flag.StringVar(&a.cfgFile, "config", "coordinator.json", "specify a configuration filename")
	flag.StringVar(&a.zapEncoding, "zapEncoding", "console", "specify application zap log encoding")
	flag.StringVar(&a.zapFile, "zapFile", "", "specify application zap log file (log to stderr if not set)")
	flag.Parse()

	a.run(sigChan, replica.DefaultZapLoggerConfig())
}
