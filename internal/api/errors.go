package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"patisserie/server/internal/middleware"
	"patisserie/server/internal/services"
)

// respondError переводит ошибку сервиса в HTTP ответ.
// Текст ошибок записи наружу не отдается.
func respondError(c *gin.Context, message string, err error) {
	var validation *services.ValidationError
	var guard *services.TransitionGuardError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &guard):
		status = http.StatusConflict
	case services.IsNotFound(err):
		status = http.StatusNotFound
	}

	body := gin.H{"error": message}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).
			Str("request_id", c.GetString(middleware.RequestIDKey)).
			Str("path", c.FullPath()).
			Msg("❌ " + message)
		body["details"] = services.GenericFailureMessage
	} else {
		body["details"] = services.UserMessage(err)
		if validation != nil && validation.Field != "" {
			body["field"] = validation.Field
		}
	}
	c.JSON(status, body)
}

// badRequest - ошибка разбора тела запроса
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Неверные параметры запроса",
		"details": err.Error(),
	})
}
