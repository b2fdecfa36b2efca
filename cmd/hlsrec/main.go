package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/longbai/hlsrec/config"
	"github.com/longbai/hlsrec/logger"
	"github.com/longbai/hlsrec/metrics"
	"github.com/longbai/hlsrec/playlist"
	"github.com/longbai/hlsrec/pool"
	"github.com/longbai/hlsrec/writer"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = config.Load()

	logLevel := flag.String("log-level", config.GetEnv("HLSREC_LOG_LEVEL", "info"), "trace, debug, info, warn or error")
	logFormat := flag.String("log-format", config.GetEnv("HLSREC_LOG_FORMAT", "console"), "console or json")
	metricsAddr := flag.String("metrics", config.GetEnv("HLSREC_METRICS_ADDR", ""), "address to serve Prometheus metrics on, empty to disable")
	userAgent := flag.String("user-agent", config.GetEnv("HLSREC_USER_AGENT", ""), "override the request User-Agent")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Printf("Usage: %s [flags] <playlist URL>\n", os.Args[0])
		flag.PrintDefaults()
		return 0
	}

	log := logger.New(*logLevel, *logFormat)
	met := metrics.New()

	var wg sync.WaitGroup
	p := pool.New(&wg, *userAgent, log, met)
	w := writer.New(p, log, met)
	rec := playlist.New(p, w, &wg, log, met)

	if *metricsAddr != "" {
		r := chi.NewRouter()
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("ok"))
		})
		r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
			met.Handler(func() {
				met.SetPoolConnections(p.LiveConns())
				met.SetPoolWaiters(p.Waiting())
			}).ServeHTTP(w, req)
		})
		go func() {
			if err := http.ListenAndServe(*metricsAddr, r); err != nil {
				log.Error().Err(err).Str("addr", *metricsAddr).Msg("metrics listener failed")
			}
		}()
		log.Info().Str("addr", *metricsAddr).Msg("serving metrics")
	}

	if !rec.Record(flag.Arg(0)) {
		return 1
	}
	rec.Wait()
	return 0
}
