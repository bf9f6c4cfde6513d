package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/rom8726/loom"
)

type Server struct {
	api     *APIService
	monitor loom.IMonitor
	plugins []Plugin
	logger  *zap.Logger
}

type ServerOption func(server *Server)

func WithServerPlugins(plugins ...Plugin) ServerOption {
	return func(server *Server) {
		server.plugins = append(server.plugins, plugins...)
	}
}

func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(server *Server) {
		server.logger = logger
	}
}

func NewServer(client *loom.Client, monitor loom.IMonitor, opts ...ServerOption) *Server {
	server := &Server{
		api:     NewAPIService(client),
		monitor: monitor,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(server)
	}

	return server
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	RegisterCoreRoutes(mux, s.api, s.monitor)

	for _, plugin := range s.plugins {
		plugin.RegisterRoutes(mux)
		s.logger.Info("api plugin registered",
			zap.String("plugin", plugin.Name()),
			zap.String("description", plugin.Description()))
	}

	return mux
}
