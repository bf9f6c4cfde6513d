package loom

import (
	"go.uber.org/zap"
)

type EngineOption func(engine *Engine)

func WithEngineTxManager(txManager TxManager) EngineOption {
	return func(engine *Engine) {
		engine.txManager = txManager
	}
}

func WithEngineStore(store Store) EngineOption {
	return func(engine *Engine) {
		engine.store = store
	}
}

func WithEngineRunLocker(locker RunLocker) EngineOption {
	return func(engine *Engine) {
		engine.locker = locker
	}
}

func WithEnginePluginManager(pluginManager *PluginManager) EngineOption {
	return func(engine *Engine) {
		engine.pluginManager = pluginManager
	}
}

func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

// WithEngineConfigRetry sets the retry policy of the config fetch that starts
// a run. MaxAttempts <= 0 retries until the fetch succeeds.
func WithEngineConfigRetry(retry RetryBehavior) EngineOption {
	return func(engine *Engine) {
		engine.configRetry = retry
	}
}
