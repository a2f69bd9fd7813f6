// Command drachtio-server runs the SIP signaling engine: it binds the
// configured SIP and application control-plane listeners, starts the
// optional monitoring listener, and blocks until SIGTERM/SIGINT.
//
// Grounded on the teacher's cmd/proxysip/main.go (flag parsing, zerolog
// construction, a side-channel HTTP server launched in its own
// goroutine) with the graceful-shutdown signal handling rebuilt on
// flowpbx-flowpbx/cmd/flowpbx/main.go's signal.Notify/context.WithTimeout
// shape, since the teacher itself never shuts down cleanly.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/drachtio/drachtio-go/internal/config"
	"github.com/drachtio/drachtio-go/internal/engine"
	"github.com/drachtio/drachtio-go/internal/metrics"
	"github.com/drachtio/drachtio-go/internal/transportset"
)

func main() {
	// -config names the XML file config.Load reads before layering its
	// own flag set on top; it is pulled out of argv by hand so the rest
	// of argv can be handed to config.Load's FlagSet untouched.
	configPath, rest := extractConfigFlag(os.Args[1:])

	cfg, err := config.Load(rest, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drachtio-server: %v\n", err)
		os.Exit(-1)
	}

	log := buildLogger(cfg.Logging)
	log.Info().
		Int("admin-tcp-port", cfg.Admin.TCPPort).
		Int("sip-udp-port", cfg.SIP.UDPPort).
		Msg("starting drachtio-server")

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)

	eng := engine.New(log, cfg, metricsReg, net.DefaultResolver)
	defer eng.Shutdown()

	if err := bindSIPListeners(eng, cfg, log); err != nil {
		log.Error().Err(err).Msg("failed to bind SIP listeners")
		os.Exit(-1)
	}
	if err := bindAdminListeners(eng, cfg, log); err != nil {
		log.Error().Err(err).Msg("failed to bind admin listeners")
		os.Exit(-1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })

	var monitoringSrv *metrics.Server
	if cfg.Monitoring.Enabled {
		monitoringSrv = metrics.NewServer(log, reg)
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Monitoring.Port))
		if err != nil {
			log.Error().Err(err).Msg("failed to bind monitoring listener")
			os.Exit(-1)
		}
		g.Go(func() error { return monitoringSrv.Serve(l) })
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-quit
		if sig == syscall.SIGHUP {
			log.Warn().Msg("SIGHUP received; config reload is not supported while connections are active, ignoring")
			continue
		}
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		break
	}

	cancel()
	if monitoringSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := monitoringSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("monitoring listener shutdown error")
		}
		shutdownCancel()
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("engine exited with error")
		os.Exit(1)
	}
}

func buildLogger(cfg config.Logging) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var base zerolog.Logger
	if cfg.Format == "console" {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05.000"})
	} else {
		base = zerolog.New(os.Stdout)
	}
	return base.With().Timestamp().Logger().Level(level)
}

// bindSIPListeners opens the configured SIP UDP/TCP/TLS sockets,
// registers each as a transportset.Contact (spec §4.1's NAT-rewrite
// table), and starts the sip.TransportLayer's accept loop for each in
// its own goroutine.
func bindSIPListeners(eng *engine.Engine, cfg *config.Config, log zerolog.Logger) error {
	var localNet *net.IPNet
	if cfg.SIP.LocalNet != "" {
		_, ipnet, err := net.ParseCIDR(cfg.SIP.LocalNet)
		if err != nil {
			return fmt.Errorf("parsing sip-local-net: %w", err)
		}
		localNet = ipnet
	}

	if cfg.SIP.UDPPort > 0 {
		addr := fmt.Sprintf(":%d", cfg.SIP.UDPPort)
		pc, err := net.ListenPacket("udp", addr)
		if err != nil {
			return fmt.Errorf("binding sip-udp-port: %w", err)
		}
		if _, err := eng.Transports().Add(transportset.Contact{
			Protocol: transportset.ProtoUDP, Host: "0.0.0.0", Port: cfg.SIP.UDPPort,
			ExternalIP: cfg.SIP.ExternalIP, LocalNet: localNet,
		}); err != nil {
			return err
		}
		go func() {
			if err := eng.SIPEndpoint().Transport.ServeUDP(pc); err != nil {
				log.Error().Err(err).Msg("sip udp listener stopped")
			}
		}()
	}

	if cfg.SIP.TCPPort > 0 {
		addr := fmt.Sprintf(":%d", cfg.SIP.TCPPort)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("binding sip-tcp-port: %w", err)
		}
		if _, err := eng.Transports().Add(transportset.Contact{
			Protocol: transportset.ProtoTCP, Host: "0.0.0.0", Port: cfg.SIP.TCPPort,
			ExternalIP: cfg.SIP.ExternalIP, LocalNet: localNet,
		}); err != nil {
			return err
		}
		go func() {
			if err := eng.SIPEndpoint().Transport.ServeTCP(l); err != nil {
				log.Error().Err(err).Msg("sip tcp listener stopped")
			}
		}()
	}

	if cfg.SIP.TLSPort > 0 {
		tlsCfg, err := loadTLSConfig(cfg.SIP.TLSCert, cfg.SIP.TLSKey)
		if err != nil {
			return fmt.Errorf("loading sip tls cert/key: %w", err)
		}
		addr := fmt.Sprintf(":%d", cfg.SIP.TLSPort)
		l, err := tls.Listen("tcp", addr, tlsCfg)
		if err != nil {
			return fmt.Errorf("binding sip-tls-port: %w", err)
		}
		if _, err := eng.Transports().Add(transportset.Contact{
			Protocol: transportset.ProtoTLS, Host: "0.0.0.0", Port: cfg.SIP.TLSPort,
			ExternalIP: cfg.SIP.ExternalIP, LocalNet: localNet,
		}); err != nil {
			return err
		}
		go func() {
			if err := eng.SIPEndpoint().Transport.ServeTLS(l); err != nil {
				log.Error().Err(err).Msg("sip tls listener stopped")
			}
		}()
	}

	return nil
}

// bindAdminListeners opens the application control-plane TCP/TLS sockets
// (spec §4.7/§4.8) and starts the appclient.Controller's accept loop for
// each in its own goroutine.
func bindAdminListeners(eng *engine.Engine, cfg *config.Config, log zerolog.Logger) error {
	if cfg.Admin.TCPPort > 0 {
		addr := fmt.Sprintf(":%d", cfg.Admin.TCPPort)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("binding admin-tcp-port: %w", err)
		}
		go func() {
			if err := eng.AppClients().Serve(l); err != nil {
				log.Error().Err(err).Msg("admin tcp listener stopped")
			}
		}()
	}

	if cfg.Admin.TLSPort > 0 {
		tlsCfg, err := loadTLSConfig(cfg.Admin.TLSCert, cfg.Admin.TLSKey)
		if err != nil {
			return fmt.Errorf("loading admin tls cert/key: %w", err)
		}
		addr := fmt.Sprintf(":%d", cfg.Admin.TLSPort)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("binding admin-tls-port: %w", err)
		}
		go func() {
			if err := eng.AppClients().ServeTLS(l, tlsCfg); err != nil {
				log.Error().Err(err).Msg("admin tls listener stopped")
			}
		}()
	}

	return nil
}

func loadTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// extractConfigFlag pulls -config/--config (bare or "=value" form) out of
// args by hand, returning its value and every other argument untouched
// for config.Load's own FlagSet to parse.
func extractConfigFlag(args []string) (path string, rest []string) {
	rest = make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-config" || a == "--config":
			if i+1 < len(args) {
				path = args[i+1]
				i++
			}
		case strings.HasPrefix(a, "-config="):
			path = strings.TrimPrefix(a, "-config=")
		case strings.HasPrefix(a, "--config="):
			path = strings.TrimPrefix(a, "--config=")
		default:
			rest = append(rest, a)
		}
	}
	return path, rest
}
