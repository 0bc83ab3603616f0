// Command mockupstream runs a standalone rate-limited upstream server for
// manual and local load testing of ratelimitproxy.
package main

import (
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nullwire-labs/ratelimitproxy/internal/mockupstream"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "mockupstream").Logger()

	limiter := mockupstream.NewSlidingWindowLimiter(
		mockupstream.Window{Limit: 200, Period: time.Minute},
	)

	addr := env("MOCKUPSTREAM_LISTEN_ADDR", ":8001")
	log.Info().Str("addr", addr).Msg("starting mock upstream")

	if err := http.ListenAndServe(addr, mockupstream.NewLimitedHandler(limiter, time.Now)); err != nil {
		log.Fatal().Err(err).Msg("mock upstream server failed")
	}
}
