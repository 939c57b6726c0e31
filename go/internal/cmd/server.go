package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"github.com/mcdev12/hanoiboard/go/internal/httpapi"
)

func setupServer(cfg Config, services *Services) *http.Server {
	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	handler := httpapi.NewHandler(services.Instances, services.Gateway.Manager())
	router := httpapi.NewRouter(handler, httpapi.RouterConfig{
		AdminSecret:      cfg.AdminSecret,
		AuthFailureRate:  rate.Every(time.Second),
		AuthFailureBurst: 10,
		Gatherer:         services.Registry,
	}, services.Gateway)

	// Setup HTTP/2 server
	return &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           h2c.NewHandler(c.Handler(router), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
