package server

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Handler is anything that mounts routes on the server.
type Handler interface {
	Register(e *echo.Echo)
}

type Server struct {
	echo *echo.Echo
	addr string
}

func NewServer(log *slog.Logger, addr string, handlers ...Handler) *Server {
	if log == nil {
		log = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))

	for _, h := range handlers {
		if h != nil {
			h.Register(e)
		}
	}

	return &Server{echo: e, addr: addr}
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
