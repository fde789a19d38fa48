package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lyc8503/holechat/config"
	"github.com/lyc8503/holechat/internal/logging"
	"github.com/lyc8503/holechat/internal/udputil"
	"github.com/lyc8503/holechat/internal/version"
	"github.com/lyc8503/holechat/rendezvous"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const exitUsage = 65

var (
	configPath  = flag.String("config", "", "YAML config file")
	logLevel    = flag.String("loglevel", "info", "log level [trace, debug, info, warn]")
	metricsAddr = flag.String("metrics", "", "HTTP listen address for /metrics, empty disables it")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <port>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	fmt.Println(version.String("nathole-server"))

	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(exitUsage)
	}

	listen, err := listenAddr(flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(exitUsage)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "loglevel":
			cfg.LogLevel = *logLevel
		case "metrics":
			cfg.Server.Metrics = *metricsAddr
		}
	})
	cfg.Server.Listen = listen

	if err := logging.Setup(cfg.LogLevel); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = serve(ctx, cfg.Server)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
	log.Info("server stopped")
}

// listenAddr turns the port argument into the server's bind address.
func listenAddr(port string) (string, error) {
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", fmt.Errorf("invalid port %q", port)
	}
	return net.JoinHostPort("0.0.0.0", strconv.FormatUint(p, 10)), nil
}

func serve(ctx context.Context, cfg config.Server) (err error) {
	conn, err := udputil.ListenUDP4(cfg.Listen)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, conn.Close())
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := rendezvous.NewServer(conn, rendezvous.Config{
		ConfirmTimeout: cfg.ConfirmTimeout,
		HandshakeRate:  cfg.HandshakeRate,
		HandshakeBurst: cfg.HandshakeBurst,
		Metrics:        rendezvous.NewMetrics(reg),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })

	if cfg.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		httpSrv := &http.Server{
			Addr:              cfg.Metrics,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Infof("serving metrics on http://%s/metrics", cfg.Metrics)
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
