package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/jnovack/flag"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/tls-proxy/pkg/admin"
	"github.com/jnovack/tls-proxy/pkg/ca"
	"github.com/jnovack/tls-proxy/pkg/certcache"
	"github.com/jnovack/tls-proxy/pkg/logging"
	"github.com/jnovack/tls-proxy/pkg/proxy"
	"github.com/jnovack/tls-proxy/pkg/resolver"
	"github.com/jnovack/tls-proxy/pkg/signals"
)

var (
	flagAddr       = flag.String("addr", ":8443", "TLS listen address")
	flagAdminAddr  = flag.String("admin-addr", ":8080", "admin HTTP listen address")
	flagLogLevel   = flag.String("log-level", "info", "log level")
	flagRootPem    = flag.String("root-pem", "./root.pem", "combined anchor pem (cert+key)")
	flagRootCert   = flag.String("root-cert", "", "anchor cert file")
	flagRootKey    = flag.String("root-key", "", "anchor key file")
	flagDN         = flag.String("dn", "", "generated anchor DN")
	flagDefault    = flag.String("default-host", "", "hostname assumed when a client sends no SNI (empty rejects such clients)")
	flagVerify     = flag.String("verify", "strict", "origin certificate verification: strict or permissive")
	flagPort       = flag.String("upstream-port", "443", "origin TCP port")
	flagDNS        = flag.String("dns-server", "", "DNS server for origin resolution (empty uses the system resolver)")
	flagMaxConns   = flag.Int64("max-conns", 256, "maximum concurrent connections")
	flagIdle       = flag.Duration("idle-timeout", 5*time.Minute, "close sessions with no traffic for this long (0 disables)")
	flagHandshake  = flag.Duration("handshake-timeout", 15*time.Second, "downstream handshake deadline")
	flagGrace      = flag.Duration("grace", 5*time.Second, "shutdown drain period")
	flagCertTTL    = flag.Duration("cert-ttl", 24*time.Hour, "minted leaf certificate lifetime")
	flagCacheCap   = flag.Int("cache-cap", 1024, "cached leaf certificate limit")
	flagBloomItems = flag.Uint("bloom-items", 4096, "expected distinct hostnames for the admission filter")
	flagBloomFP    = flag.Float64("bloom-fp", 0.01, "admission filter false positive rate")
)

func main() {
	flag.Parse()
	logging.Setup(*flagLogLevel)

	verify, err := proxy.ParseVerifyMode(*flagVerify)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Anchor: load, or generate and persist. A present but unparseable anchor
	// is a configuration error, not a reason to mint a new trust root.
	anchor, err := ca.NewAnchorFromFiles(*flagRootPem, *flagRootCert, *flagRootKey)
	if err != nil {
		if _, statErr := os.Stat(*flagRootPem); statErr == nil || *flagRootCert != "" {
			log.Fatal().Err(err).Msg("failed to load anchor")
		}
		nameSpec := *flagDN
		if nameSpec == "" {
			nameSpec = "jnovack/tls-proxy"
		}
		name, perr := ca.ParseDN(nameSpec)
		if perr != nil {
			log.Fatal().Err(perr).Msg("failed to parse DN")
		}
		anchor, err = ca.GenerateAnchor(name)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to generate anchor")
		}
		if err := anchor.SaveCombined(*flagRootPem); err != nil {
			log.Warn().Err(err).Str("path", *flagRootPem).Msg("could not persist generated anchor")
		} else {
			log.Info().Str("path", *flagRootPem).Msg("generated new interception anchor")
		}
	}

	certs := certcache.New(
		certcache.NewBloomAdmitter(*flagBloomItems, *flagBloomFP),
		certcache.NewMemoryStore(*flagCacheCap),
		ca.NewIssuer(anchor, *flagCertTTL),
		*flagCertTTL,
	)

	var res resolver.Resolver
	if *flagDNS != "" {
		res = resolver.NewDNS(*flagDNS)
	} else {
		res = resolver.NewSystem()
	}

	metrics := admin.NewMetrics()

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/healthz", admin.HandleHealth)
	adminMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) { admin.HandleMetrics(w, metrics) })
	adminMux.HandleFunc("/statusz", func(w http.ResponseWriter, r *http.Request) { admin.HandleStatusz(w, metrics) })
	adminMux.HandleFunc("/varz", func(w http.ResponseWriter, r *http.Request) {
		admin.HandleVarz(w, map[string]any{
			"addr":          *flagAddr,
			"default-host":  *flagDefault,
			"verify":        string(verify),
			"upstream-port": *flagPort,
			"dns-server":    *flagDNS,
			"max-conns":     *flagMaxConns,
			"idle-timeout":  flagIdle.String(),
			"cert-ttl":      flagCertTTL.String(),
			"cache-cap":     *flagCacheCap,
		})
	})
	adminMux.HandleFunc("/cert", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", "attachment; filename=\"root.pem\"")
		admin.HandleCertz(w, anchor.CertPEM())
	})
	adminSrv := &http.Server{Addr: *flagAdminAddr, Handler: adminMux}
	go func() {
		log.Info().Str("addr", *flagAdminAddr).Msg("admin HTTP starting")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("admin HTTP failed")
		}
	}()

	s := &proxy.Supervisor{
		Addr:       *flagAddr,
		Terminator: &proxy.Terminator{Certs: certs, DefaultHost: *flagDefault},
		Originator: &proxy.Originator{
			Resolver: res,
			Verify:   verify,
			Port:     *flagPort,
		},
		MaxConns:         *flagMaxConns,
		IdleTimeout:      *flagIdle,
		HandshakeTimeout: *flagHandshake,
		Grace:            *flagGrace,
		Metrics:          metrics,
	}
	if err := s.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to start proxy")
	}

	stopCh := make(chan struct{})
	ctx := signals.Setup(stopCh)

	<-ctx.Done()
	log.Info().Msg("shutdown requested")

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = adminSrv.Shutdown(shCtx)
	_ = s.Close()
	log.Info().Msg("tls-proxy stopped")
}
