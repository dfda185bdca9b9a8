// Package observability holds the process-wide loggers and the prometheus
// registry.
package observability

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// CLILogger is the human-facing logger used by commands.
	CLILogger = zap.NewNop()

	// Registry collects service metrics. Nil until InitMetrics.
	Registry *prometheus.Registry

	metricsMu sync.Mutex
)

// InitCLILogger configures CLILogger with a console encoder on stderr.
func InitCLILogger(service string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = !verbose
	cfg.DisableCaller = !verbose
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.TimeKey = ""
	cfg.OutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		CLILogger = zap.NewNop()
		return
	}
	CLILogger = logger.Named(service)
}

// NewServerLogger builds the service logger. profile is STRUCTURED for JSON
// lines or CONSOLE for a human-readable encoder.
func NewServerLogger(service, level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case "", "STRUCTURED":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "CONSOLE":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log profile %q (want STRUCTURED or CONSOLE)", profile)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.With(zap.String("service", service)), nil
}

// InitMetrics creates Registry with runtime collectors and a build info
// gauge. Repeated calls return the existing registry.
func InitMetrics(service, version string) *prometheus.Registry {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if Registry != nil {
		return Registry
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build information for the running binary.",
	}, []string{"service", "version"})
	info.WithLabelValues(service, version).Set(1)
	reg.MustRegister(info)

	Registry = reg
	return reg
}

// MetricsHandler serves Registry in the prometheus exposition format.
func MetricsHandler() http.Handler {
	metricsMu.Lock()
	reg := Registry
	metricsMu.Unlock()
	if reg == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
