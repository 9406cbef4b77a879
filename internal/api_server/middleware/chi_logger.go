package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

type logrusPrinter struct {
	log logrus.FieldLogger
}

func (l logrusPrinter) Print(v ...interface{}) {
	l.log.Info(v...)
}

// ChiLogger adapts chi's request logger onto the structured logger.
func ChiLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return chimw.RequestLogger(&chimw.DefaultLogFormatter{
		Logger:  logrusPrinter{log: log},
		NoColor: true,
	})
}
