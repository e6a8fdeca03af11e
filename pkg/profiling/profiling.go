package profiling

import (
	"context"

	"chipledger/pkg/config"

	"github.com/grafana/pyroscope-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("profiling", fx.Invoke(start))

// ProfileTypes returns what gets sampled for env. Lock contention profiles
// are only collected outside production since they slow every mutex.
func ProfileTypes(env string) []pyroscope.ProfileType {
	types := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if env != "production" {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileBlockDuration)
	}
	return types
}

func start(lc fx.Lifecycle, c *config.Config) {
	if c.Pyroscope.Addr == "" {
		return
	}

	log := zap.L().Named("profiling").With(zap.String("addr", c.Pyroscope.Addr))
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: c.AppName,
		ServerAddress:   c.Pyroscope.Addr,
		ProfileTypes:    ProfileTypes(c.AppEnv),
		Tags: map[string]string{
			"env":     c.AppEnv,
			"version": c.AppVersion,
		},
	})
	if err != nil {
		log.Error("pyroscope unavailable, running without profiling", zap.Error(err))
		return
	}
	log.Info("profiling enabled")

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return profiler.Stop()
		},
	})
}
