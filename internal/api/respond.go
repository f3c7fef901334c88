package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/orbisapp/quotad/internal/push"
	"github.com/orbisapp/quotad/internal/storage"
	"github.com/orbisapp/quotad/internal/usage"
)

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorBody{Error: message})
}

// respondError maps domain errors onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := err.Error()

	switch {
	case errors.Is(err, usage.ErrInvalidDevice), errors.Is(err, push.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, push.ErrNoTokens):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrUnavailable):
		status = http.StatusServiceUnavailable
		message = "Usage storage is unavailable"
	}

	_ = c.Error(err)
	c.JSON(status, errorBody{Error: message})
}
