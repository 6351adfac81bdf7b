//go:build wireinject
// +build wireinject

package di

import (
	"SignalDesk/pkg/config"
	"SignalDesk/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvideKafkaProducer,
		ProvideKafkaConsumer,
		ProvideCacheService,

		// Repositories
		ProvideSignalStore,
		ProvideEventPublisher,

		// Market data
		ProvidePriceCache,
		ProvidePushAdapter,
		ProvidePollAdapter,
		ProvideFeedManager,
		ProvideTickFilter,
		ProvideKafkaTicksHandler,

		// Use cases
		ProvideSubscriptionSync,
		ProvideSignalCloser,
		ProvideAutomation,

		// Application server
		ProvideHTTPHandler,
		ProvideApp,
	)
	return &server.App{}, nil
}
