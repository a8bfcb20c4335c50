//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"marketpulse/pkg/config"
	"marketpulse/pkg/server"
)

// InitializeApp wires all dependencies. Wire generates the implementation
// in wire_gen.go.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		ProvideLogger,
		ProvideMetrics,
		ProvideRedisClient,
		ProvideFabric,
		ProvideStores,
		ProvideClickHouse,
		ProvideExecutionLog,
		ProvideSourceTracker,
		ProvideCapabilities,
		ProvideProfiles,
		ProvideLimits,
		ProvideEngine,
		ProvideLedger,
		ProvideExecutor,
		ProvideValidator,
		ProvidePipelines,
		ProvideBreaking,
		ProvideMarkFeed,
		ProvideHTTPServer,
		wire.Struct(new(server.Options), "*"),
		ProvideApp,
	)
	return &server.App{}, nil
}
