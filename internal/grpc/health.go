package grpc

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Checker, hafif sağlık kontrolü sunan bir upstream adaptörüdür.
type Checker interface {
	HealthCheck(ctx context.Context) bool
}

// HealthPoller, bağımlılıkları periyodik olarak yoklar ve sonuçları gRPC
// health sunucusuna bağımlılık adıyla yazar. Genel servis ("") her zaman
// SERVING kalır; bağımlılık düşse bile çağrılar yedek içerikle sürer.
type HealthPoller struct {
	server   *health.Server
	gauge    *prometheus.GaugeVec
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	checks map[string]Checker
	last   map[string]bool
}

func NewHealthPoller(server *health.Server, gauge *prometheus.GaugeVec, interval time.Duration, log zerolog.Logger) *HealthPoller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &HealthPoller{
		server:   server,
		gauge:    gauge,
		interval: interval,
		timeout:  DefaultGRPCTimeout,
		log:      log.With().Str("component", "health").Logger(),
		checks:   make(map[string]Checker),
		last:     make(map[string]bool),
	}
}

// Register, bir bağımlılığı ilk yoklamaya kadar UNKNOWN olarak kaydeder.
func (p *HealthPoller) Register(name string, c Checker) {
	p.mu.Lock()
	p.checks[name] = c
	p.mu.Unlock()
	p.server.SetServingStatus(name, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
}

// PollOnce, tüm bağımlılıkları paralel yoklar ve sonuçları döner.
func (p *HealthPoller) PollOnce(ctx context.Context) map[string]bool {
	p.mu.Lock()
	names := make([]string, 0, len(p.checks))
	for name := range p.checks {
		names = append(names, name)
	}
	checks := make(map[string]Checker, len(p.checks))
	for k, v := range p.checks {
		checks[k] = v
	}
	p.mu.Unlock()
	sort.Strings(names)

	results := make([]bool, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i], _ = CallWithCustomTimeout(ctx, p.timeout, func(ctx context.Context) (bool, error) {
				return c.HealthCheck(ctx), nil
			})
		}(i, checks[name])
	}
	wg.Wait()

	out := make(map[string]bool, len(names))
	for i, name := range names {
		p.record(name, results[i])
		out[name] = results[i]
	}
	return out
}

func (p *HealthPoller) record(name string, healthy bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	value := 0.0
	if healthy {
		status = healthpb.HealthCheckResponse_SERVING
		value = 1
	}
	p.server.SetServingStatus(name, status)
	if p.gauge != nil {
		p.gauge.WithLabelValues(name).Set(value)
	}

	p.mu.Lock()
	prev, seen := p.last[name]
	p.last[name] = healthy
	p.mu.Unlock()
	if seen && prev == healthy {
		return
	}
	if healthy {
		p.log.Info().Str("dependency", name).Msg("Bağımlılık sağlıklı.")
	} else {
		p.log.Warn().Str("dependency", name).Msg("⚠️ Bağımlılık sağlık kontrolünden geçemedi.")
	}
}

// Run, ctx iptal edilene kadar yoklar. Bloklar.
func (p *HealthPoller) Run(ctx context.Context) {
	p.PollOnce(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.server.Shutdown()
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}
