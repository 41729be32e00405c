package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/speedrun-hq/pongrelay/services"
)

// ErrRelay answers a failed relay operation. A closed submission queue means
// the relay is shutting down, so the client gets a 503 instead of a 500.
func ErrRelay(c *gin.Context, log zerolog.Logger, err error, msg string) {
	if errors.Is(err, services.ErrQueueClosed) {
		Err(c, http.StatusServiceUnavailable, err)
		return
	}

	log.Error().Err(err).Str("http.path", c.Request.URL.Path).Msg(msg)
	Err(c, http.StatusInternalServerError, err)
}

func Err(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"error": err.Error()})
}
