package consumer

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"

	configpkg "github.com/JulianNeuberger/datasetd/internal/config"
	loggingpkg "github.com/JulianNeuberger/datasetd/internal/logging"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the collaborators that the Service uses. Publisher
// and Subscriber are required; leave the other fields zero to use defaults.
type ServiceDependencies struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	DeadLetters DeadLetterStore
	DLQMetrics  *DLQMetrics

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	RetryConfig               RetryMiddlewareConfig
	ErrorClassifier           ErrorClassifier
}

// Service wires a Watermill router, publisher, subscriber, and middleware chain.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router

	deadLetters DeadLetterStore
	dlqMetrics  *DLQMetrics
	retryConfig RetryMiddlewareConfig

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	errorClassifier ErrorClassifier
}

// TryNewService constructs a Service for the supplied configuration. Register
// handlers on the returned Service before calling Run.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, ErrConfigRequired
	}
	if log == nil {
		return nil, ErrLoggerRequired
	}
	if deps.Publisher == nil {
		return nil, ErrPublisherRequired
	}
	if deps.Subscriber == nil {
		return nil, ErrSubscriberRequired
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating consumer service", loggingpkg.LogFields{"config": conf})

	s := &Service{
		Conf:        conf,
		Logger:      log,
		publisher:   deps.Publisher,
		subscriber:  deps.Subscriber,
		deadLetters: deps.DeadLetters,
		dlqMetrics:  deps.DLQMetrics,
	}

	retryCfg := deps.RetryConfig
	if retryCfg.MaxRetries == 0 {
		retryCfg.MaxRetries = conf.MaxRetries
	}
	if retryCfg.InitialInterval == 0 {
		retryCfg.InitialInterval = conf.RetryInitialInterval
	}
	if retryCfg.MaxInterval == 0 {
		retryCfg.MaxInterval = conf.RetryMaxInterval
	}
	s.retryConfig = retryCfg.withDefaults()

	if deps.ErrorClassifier != nil {
		s.errorClassifier = deps.ErrorClassifier
	} else {
		s.errorClassifier = defaultErrorClassifier
	}

	if s.dlqMetrics != nil {
		if err := s.dlqMetrics.Register(); err != nil {
			return nil, fmt.Errorf("register dlq metrics: %w", err)
		}
	}

	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: conf.ShutdownTimeout,
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}

	return s, nil
}

// NewService is like TryNewService but panics on error.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// Run runs the underlying Watermill router until the provided context is
// cancelled. In-flight messages are given CloseTimeout to drain on shutdown.
func (s *Service) Run(ctx context.Context) error {
	s.startHTTPServers()
	return routerRun(s.router, ctx)
}

// Running returns a channel that is closed once the router is running and all
// handlers are consuming.
func (s *Service) Running() <-chan struct{} {
	return s.router.Running()
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = []MiddlewareRegistration{
			CorrelationIDMiddleware(),
			LogMessagesMiddleware(nil),
			MetricsMiddleware(),
			TracerMiddleware(),
			DeadLetterMiddleware(),
			RetryMiddleware(s.retryConfig),
			RecovererMiddleware(),
		}
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

// Handlers returns information about all registered handlers.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()

	out := make([]*HandlerInfo, len(s.handlers))
	copy(out, s.handlers)
	return out
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}
