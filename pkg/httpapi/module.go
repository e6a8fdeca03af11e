package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewValidator),
	fx.Invoke(registerHealthEndpoint),
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type Health struct {
	Status string       `json:"status"`
	Deps   []Dependency `json:"deps,omitempty"`
}

type HealthParams struct {
	fx.In
	Mux   *runtime.ServeMux
	DB    *gorm.DB      `optional:"true"`
	Redis *redis.Client `optional:"true"`
}

func registerHealthEndpoint(p HealthParams) {
	routes := []struct {
		path string
		h    runtime.HandlerFunc
	}{
		{"/healthz", func(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
			WriteJSON(w, http.StatusOK, Health{Status: "ok"})
		}},
		{"/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			h := Readiness(r.Context(), p.DB, p.Redis)
			code := http.StatusOK
			if h.Status != "ok" {
				code = http.StatusServiceUnavailable
			}
			WriteJSON(w, code, h)
		}},
		{"/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			promhttp.Handler().ServeHTTP(w, r)
		}},
	}

	for _, rt := range routes {
		if err := p.Mux.HandlePath(http.MethodGet, rt.path, rt.h); err != nil {
			zap.L().Error("failed to register endpoint", zap.String("path", rt.path), zap.Error(err))
		}
	}
}

// Readiness pings every configured dependency.
func Readiness(ctx context.Context, db *gorm.DB, rdb *redis.Client) Health {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	h := Health{Status: "ok"}
	mark := func(dep Dependency, err error) {
		dep.Status = "ok"
		if err != nil {
			dep.Status = "unavailable"
			dep.Message = err.Error()
			h.Status = "degraded"
		}
		h.Deps = append(h.Deps, dep)
	}

	if db != nil {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		mark(Dependency{Name: db.Dialector.Name()}, err)
	}

	if rdb != nil {
		mark(Dependency{Name: "redis"}, rdb.Ping(ctx).Err())
	}

	return h
}
