package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
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
			// any of the signals result in exit.
			a.lg.Info("application received shutdown signal")
			cancel()
		}
	}()

	wg.Add(1)
	node, err := replica.MakeNode(ctx, &wg, a.nc, a.opts...)
	if err != nil {
		a.lg.Errorf("application failed to create order replica: %v", err)
		os.Exit(-1)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.lg.Infow("application loop started", "self", node.Self().String())
		select {
		case <-ctx.Done():
		case err := <-node.FatalErrorChannel():
			a.lg.Errorw("fatal error from order replica", "err", err)
			cancel()
		}
	}()

	wg.Wait()
}

// appCfg is the recipient of the JSON configuration. All replicas in the cluster can share one configuration
// file; -localNode picks the entry in Replicas this process runs as.
type appCfg struct {
	Replicas    []replica.Replica
	FrontEndURL string
	CatalogURL  string
	// Mode is "raft" or "simple".
	Mode        string
	ClusterSize int
	// Storage kind is "bolt" or "csv". Path is suffixed with the local replica id.
	Storage struct {
		Kind string
		Path string
	}
	// HealthPortOffset, if set, serves the gRPC health service on the replica port plus the offset.
	HealthPortOffset int
	MaxInflightRequests int
	Timers struct {
		Replicate string
		Catalog   string
		Repair    string
	}
	// Set up metrics export.
	Metrics struct {
		// e.g. localhost:9000
		Endpoint string
		// e.g. /metrics
		Path string
		// e.g. myAppNamespace
		Namespace string
	}
}

type app struct {
	// Prepared node configuration.
	nc replica.NodeConfig
	// Prepare options.
	opts []replica.NodeOption
	// Configuration file and local replica id.
	cfgFile   string
	localNode int64
	// logging configuration.
	lg          *zap.SugaredLogger
	debug       bool
	zapFile     string
	zapEncoding string
}

func parseDuration(lg *zap.SugaredLogger, name, s string, d *time.Duration) error {
	if s == "" {
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		lg.Errorf("Failed to parse %s '%s' [%v]", name, s, err)
		return err
	}
	*d = v
	return nil
}

// configure processes configuration file to build NodeConfig and subset of options we support in the app.
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
	err = json.Unmarshal(fstream, &ac)
	if err != nil {
		a.lg.Errorf("Failed to unmarshal configuration file [%v]", err)
		return err
	}

	var self *replica.Replica
	for i := range ac.Replicas {
		if ac.Replicas[i].ID == a.localNode {
			self = &ac.Replicas[i]
		}
	}
	if self == nil {
		err = fmt.Errorf("local node %d not in configured replicas", a.localNode)
		a.lg.Errorf("Failed to find local node [%v]", err)
		return err
	}

	u, err := url.Parse(self.URL)
	if err != nil {
		a.lg.Errorf("Failed to parse replica URL '%s' [%v]", self.URL, err)
		return err
	}

	a.nc = replica.NodeConfig{
		Self:                *self,
		FrontEndURL:         ac.FrontEndURL,
		CatalogURL:          ac.CatalogURL,
		Mode:                replica.ReplicationMode(ac.Mode),
		ClusterSize:         ac.ClusterSize,
		Listen:              ":" + u.Port(),
		MaxInflightRequests: ac.MaxInflightRequests,
		Storage: replica.StorageConfig{
			Kind: replica.StorageKind(ac.Storage.Kind),
			Path: fmt.Sprintf("%s%d", ac.Storage.Path, a.localNode),
		},
	}

	if ac.HealthPortOffset != 0 {
		port, err := strconv.Atoi(u.Port())
		if err != nil {
			a.lg.Errorf("Failed to derive health port from replica URL '%s' [%v]", self.URL, err)
			return err
		}
		a.nc.HealthListen = fmt.Sprintf(":%d", port+ac.HealthPortOffset)
		a.nc.Self.HealthAddr = net.JoinHostPort(u.Hostname(), fmt.Sprint(port+ac.HealthPortOffset))
	}

	for _, d := range []struct {
		name string
		s    string
		d    *time.Duration
	}{
		{"Timers.Replicate", ac.Timers.Replicate, &a.nc.Timers.Replicate},
		{"Timers.Catalog", ac.Timers.Catalog, &a.nc.Timers.Catalog},
		{"Timers.Repair", ac.Timers.Repair, &a.nc.Timers.Repair},
	} {
		if err = parseDuration(a.lg, d.name, d.s, d.d); err != nil {
			return err
		}
	}

	a.opts = []replica.NodeOption{
		replica.WithLogger(lg, a.debug)}

	if ac.Metrics.Endpoint != "" {

		metricsReg := prometheus.NewRegistry()
		handler := promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{})

		handlerMux := http.NewServeMux()
		handlerMux.Handle(ac.Metrics.Path, handler)
		metricServer := &http.Server{
			Addr:    ac.Metrics.Endpoint,
			Handler: handlerMux,
		}

		go func() {
			err := metricServer.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				a.lg.Errorf("Failed to serve metrics for application, cfg: '%+v' [%v]", ac.Metrics, err)
			}
		}()

		a.opts = append(a.opts, replica.WithMetrics(metricsReg, ac.Metrics.Namespace, true))
	}

	return nil
}

func main() {

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGABRT)

	var a app

	flag.BoolVar(&a.debug, "debug", false, "enable debug")
	flag.StringVar(&a.cfgFile, "config", "replica.json", "specify a configuration filename")
	flag.StringVar(&a.zapEncoding, "zapEncoding", "console", "specify application zap log encoding")
	flag.StringVar(&a.zapFile, "zapFile", "", "specify application zap log file (log to stderr if not set)")
	flag.Int64Var(&a.localNode, "localNode", 1, "specify the id of the local replica")
	flag.Parse()

	a.run(sigChan, replica.DefaultZapLoggerConfig())
}
