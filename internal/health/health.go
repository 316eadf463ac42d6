package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/pagehook/internal/logging"
)

// Checker reports per-tier availability. *store.Layered implements it.
type Checker interface {
	Health(ctx context.Context) map[string]error
	Tiers() []string
}

type Status struct {
	OK       bool              `json:"ok"`
	Message  string            `json:"message,omitempty"`
	Degraded bool              `json:"degraded,omitempty"`
	Tiers    map[string]string `json:"tiers,omitempty"`
}

const checkTimeout = 2 * time.Second

// Check probes every tier. The service stays up while any tier answers;
// it is degraded when the first tier does not.
func Check(ctx context.Context, c Checker) Status {
	st := Status{OK: true, Message: "ok"}
	if c == nil {
		return st
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	results := c.Health(ctx)
	st.Tiers = make(map[string]string, len(results))
	healthy := 0
	for name, err := range results {
		if err != nil {
			st.Tiers[name] = err.Error()
			continue
		}
		st.Tiers[name] = "ok"
		healthy++
	}

	order := c.Tiers()
	switch {
	case healthy == 0:
		st.OK = false
		st.Message = "all store tiers unavailable"
	case len(order) > 0 && results[order[0]] != nil:
		st.Degraded = true
		st.Message = "degraded: " + order[0] + " unavailable"
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(c Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), c)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Watch keeps the gRPC health status of service in sync with c until ctx ends
func Watch(ctx context.Context, c Checker, srv *health.Server, service string, every time.Duration, logger *logging.Logger) {
	if logger == nil {
		logger = logging.Nop()
	}
	last := healthpb.HealthCheckResponse_UNKNOWN
	update := func() {
		st := Check(ctx, c)
		next := healthpb.HealthCheckResponse_SERVING
		if !st.OK {
			next = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if next != last {
			logger.Plain().WithField("grpc_status", next.String()).WithField("tiers", st.Tiers).Info("health status changed")
			last = next
		}
		srv.SetServingStatus(service, next)
		srv.SetServingStatus("", next)
	}

	update()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-t.C:
			update()
		}
	}
}
