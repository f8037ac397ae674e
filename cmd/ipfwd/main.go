package main

import (
	"context"
	"flag"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hostinger/ipfwd/internal/api"
	"github.com/hostinger/ipfwd/internal/config"
	"github.com/hostinger/ipfwd/internal/iface"
	"github.com/hostinger/ipfwd/internal/logger"
	"github.com/hostinger/ipfwd/internal/metrics"
	"github.com/hostinger/ipfwd/internal/prober"
	"github.com/hostinger/ipfwd/internal/router"
	"github.com/hostinger/ipfwd/internal/routing"
	"github.com/hostinger/ipfwd/internal/sniffer"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	configPath = flag.String("config", "/etc/ipfwd/ipfwd.yaml", "Path to the router configuration")
	apiAddress = flag.String("port", "", "Address for the API server, overrides api_address")
	debugMode  = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	logger.Init(*debugMode || cfg.Debug)
	if *apiAddress != "" {
		cfg.APIAddress = *apiAddress
	}

	table, err := loadRoutes(cfg)
	if err != nil {
		logger.Fatal("Failed to load routing table: %v", err)
	}

	ifaces, err := loadInterfaces(cfg)
	if err != nil {
		logger.Fatal("Failed to load interfaces: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var rt *router.Router
	link := sniffer.NewLink(func(frame []byte, ifName string) {
		rt.HandleFrame(frame, ifName)
	})

	rt, err = router.New(table, link, cfg.NeighborConfig(), m)
	if err != nil {
		logger.Fatal("Failed to initialize router: %v", err)
	}
	if err := rt.Reset(ifaces); err != nil {
		logger.Fatal("Failed to configure interfaces: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, i := range rt.Interfaces() {
		if err := link.Start(ctx, i.Name); err != nil {
			logger.Fatal("Failed to start capture: %v", err)
		}
	}

	go rt.Neighbors().Run(ctx)

	var p *prober.Prober
	if cfg.Probe.Enabled {
		p = prober.New(table.Gateways, time.Duration(cfg.Probe.Interval), cfg.Probe.Count)
		go p.Run(ctx)
	}

	a := &api.API{Router: rt, Sniffers: link, Prober: p, Gatherer: reg}
	mux := http.NewServeMux()
	a.Register(mux)

	go func() {
		logger.Info("API server listening on %s", cfg.APIAddress)
		if err := http.ListenAndServe(cfg.APIAddress, mux); err != nil {
			logger.Error("HTTP server failed: %v", err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	sig := <-c
	logger.Info("Received signal: %s. Cleaning up and exiting...", sig)
	cancel()
	link.StopAll()
}

func loadRoutes(cfg config.Config) (*routing.Table, error) {
	table := routing.NewTable()

	if cfg.RoutingTable != "" {
		f, err := os.Open(cfg.RoutingTable)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := table.Load(f); err != nil {
			return nil, err
		}
	}

	if cfg.RoutesFromKernel {
		kernel, err := routing.FromNetlink(cfg.Interfaces)
		if err != nil {
			return nil, err
		}
		table.Replace(append(table.Entries(), kernel...))
	}

	for _, e := range table.Entries() {
		logger.Info("Route %s", e)
	}
	return table, nil
}

func loadInterfaces(cfg config.Config) ([]iface.Interface, error) {
	ipmap := map[string]netip.Addr{}
	if cfg.Ifconfig != "" {
		f, err := os.Open(cfg.Ifconfig)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if ipmap, err = iface.LoadIfconfig(f); err != nil {
			return nil, err
		}
	}
	return iface.FromNetlink(cfg.Interfaces, ipmap)
}
