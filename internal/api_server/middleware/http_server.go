package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

func NewHTTPServer(router http.Handler, log logrus.FieldLogger, address string) *http.Server {
	return &http.Server{
		Addr:              address,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}
