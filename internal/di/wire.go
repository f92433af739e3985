//go:build wireinject
// +build wireinject

package di

import (
	"ZeroDTE/pkg/config"
	"ZeroDTE/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideMetrics,
		ProvideSession,

		// Infrastructure clients
		ProvideCache,
		ProvideAuditQueue,
		ProvideClickHouseClient,
		ProvideKafkaProducer,
		ProvideHTTPClient,

		// Repositories and collaborators
		ProvideAuditStore,
		ProvideEventPublisher,
		ProvideIdempotencyStore,
		ProvideBreakerStore,
		ProvideGateway,
		ProvideAccountClient,
		ProvideChainClient,
		ProvideScorer,
		ProvideLimiter,

		// Decision core
		ProvideEventSink,
		ProvideAggregator,
		ProvideClassifier,
		ProvideCorrelationEngine,
		ProvideSignalGenerator,
		ProvideSelector,
		ProvideRiskManager,
		ProvideBreaker,
		ProvideCoordinator,

		// Intake and use cases
		ProvideRealtimePipeline,
		ProvideTickCollector,
		ProvideKafkaConsumer,
		ProvideDecisionPipeline,

		// HTTP
		ProvideOperatorHandler,
		ProvideHTTPServer,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
