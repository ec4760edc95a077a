// Command sc-server bootstraps one OPC UA secure-channel endpoint: a
// listening socket (and/or reverse-connect clients) fixed to a single
// (securityPolicyURI, securityMode) pair, with Prometheus metrics exposed
// over HTTP. Config loads from the environment rather than flags, and an
// errgroup supervises the endpoint, the metrics server, and signal-driven
// shutdown together.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alxayo/opcua-sc/internal/logger"
	"github.com/alxayo/opcua-sc/internal/opcua/config"
	"github.com/alxayo/opcua-sc/internal/opcua/metrics"
	"github.com/alxayo/opcua-sc/internal/opcua/pki"
	"github.com/alxayo/opcua-sc/internal/opcua/scsm"
	"github.com/alxayo/opcua-sc/internal/opcua/slsm"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sc-server:", err)
		os.Exit(2)
	}

	logger.Init()
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "sc-server: invalid log level %q, using default\n", cfg.LogLevel)
	}
	log := logger.Logger().With("component", "sc-server")

	mode, err := config.SecurityModeValue(cfg.SecurityMode)
	if err != nil {
		log.Error("invalid security mode", "error", err)
		os.Exit(1)
	}

	privKey, certDER, err := loadServerIdentity(cfg)
	if err != nil {
		log.Error("failed to load server identity", "error", err)
		os.Exit(1)
	}

	pkiProvider, err := buildPKIProvider(cfg)
	if err != nil {
		log.Error("failed to init PKI provider", "error", err)
		os.Exit(1)
	}

	serverCfg := scsm.ServerConfig{
		PolicyURI:            cfg.PolicyURI,
		Mode:                 mode,
		LocalPrivateKey:      privKey,
		LocalCertDER:         certDER,
		PKI:                  pkiProvider,
		ReceiveBufSize:       cfg.ReceiveBufSize,
		SendBufSize:          cfg.SendBufSize,
		MaxMessageSize:       cfg.MaxMessageSize,
		MaxChunkCount:        cfg.MaxChunkCount,
		MaxRequestedLifetime: cfg.MaxRequestedLifetime,
		EstablishTimeout:     cfg.EstablishTimeout,
		RequestTimeout:       cfg.RequestTimeout,
	}

	collector := metrics.NewCollector("opcua_sc")
	prometheus.MustRegister(collector)

	endpointObs := slsm.NopObserver{}
	connObs := scsm.NopObserver{}

	listener := slsm.New(slsm.EndpointConfig{
		EndpointURL:    cfg.EndpointURL,
		Listens:        true,
		ListenAddr:     cfg.ListenAddr,
		Server:         serverCfg,
		ReverseClients: reverseClients(cfg),
	}, endpointObs, connObs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := listener.Open(); err != nil {
			return fmt.Errorf("open endpoint: %w", err)
		}
		collector.AddListener(listener, cfg.EndpointURL)
		log.Info("endpoint opened", "addr", cfg.ListenAddr, "endpoint", cfg.EndpointURL)
		<-gctx.Done()
		return nil
	})

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		g.Go(func() error {
			log.Info("metrics server listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")
		collector.RemoveListener(listener)
		_ = listener.Close()
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("sc-server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("sc-server stopped cleanly")
}

func reverseClients(cfg config.Server) []slsm.ReverseClientConfig {
	out := make([]slsm.ReverseClientConfig, 0, len(cfg.ReverseClientURLs))
	for _, url := range cfg.ReverseClientURLs {
		if url == "" {
			continue
		}
		out = append(out, slsm.ReverseClientConfig{
			ClientURL:   url,
			ServerURI:   cfg.EndpointURL,
			EndpointURL: cfg.EndpointURL,
		})
	}
	return out
}

func loadServerIdentity(cfg config.Server) (*rsa.PrivateKey, []byte, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, nil, nil // #None policy needs no identity
	}
	pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load key pair: %w", err)
	}
	priv, ok := pair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("server key must be RSA")
	}
	return priv, pair.Certificate[0], nil
}

func buildPKIProvider(cfg config.Server) (pki.Provider, error) {
	switch cfg.PKIBackend {
	case "", "disk":
		if cfg.TrustDir == "" {
			return nil, nil // #None policy needs no trust store
		}
		return pki.NewDiskProvider(cfg.TrustDir)
	case "vault":
		return pki.NewVaultProvider(cfg.VaultAddr, cfg.VaultToken, cfg.VaultKeyPath)
	default:
		return nil, fmt.Errorf("unrecognized PKI backend %q", cfg.PKIBackend)
	}
}
