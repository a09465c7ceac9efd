package main

import (
	"context"
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"github.com/watchkit/watchdog/cmd/watchdog/dispatch"
	"github.com/watchkit/watchdog/cmd/watchdog/listener"
	"github.com/watchkit/watchdog/cmd/watchdog/redisstore"
	"github.com/watchkit/watchdog/cmd/watchdog/registry"
	"github.com/watchkit/watchdog/cmd/watchdog/shared"
	"github.com/watchkit/watchdog/internal"
	"go.uber.org/zap"
)

var buildtime string

func main() {
	InitLogging()
	zap.S().Infof("This is watchdog build date: %s", buildtime)
	InitPrometheus()

	store := redisstore.GetOrInit()
	InitHealthCheck()

	maxExpire, _ := env.GetAsInt("MAX_EXPIRE_SECONDS", false, shared.DefaultExpireSeconds)
	notifier := dispatch.GetOrInit()
	reg := registry.New(store, notifier, maxExpire)

	listenerCtx, cancelListener := context.WithCancel(context.Background())
	go listener.New(store, notifier).Run(listenerCtx)

	gs := internal.NewGracefulShutdown(func() error {
		cancelListener()
		return store.Close()
	})

	apiAddress, _ := env.GetAsString("API_LISTEN_ADDRESS", false, ":80")
	go SetupRestAPI(reg, apiAddress)
	zap.S().Infof("Watchdog service started on %s", apiAddress)

	gs.Wait()
}

func InitLogging() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	_ = logger.New(logLevel)
}

func InitPrometheus() {
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func InitHealthCheck() {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	health.AddReadinessCheck("redis", redisstore.GetHealthCheck())
	health.AddLivenessCheck("redis", redisstore.GetHealthCheck())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}
