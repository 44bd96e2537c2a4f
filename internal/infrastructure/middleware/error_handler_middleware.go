package middleware

import (
	"net/http"

	"meshcall/internal/core/domain"
	apperrors "meshcall/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DomainErrorMapper maps session sentinel errors to HTTP responses.
func DomainErrorMapper() *apperrors.Mapper {
	return apperrors.NewMapper(
		apperrors.Rule{Target: domain.ErrPeerCapacityReached, Code: apperrors.ErrCodeServiceUnavailable, Status: http.StatusServiceUnavailable},
		apperrors.Rule{Target: domain.ErrPeerNotFound, Code: apperrors.ErrCodeNotFound, Status: http.StatusNotFound},
		apperrors.Rule{Target: domain.ErrUnknownTier, Code: apperrors.ErrCodeInvalidInput, Status: http.StatusBadRequest},
		apperrors.Rule{Target: domain.ErrInvalidSignal, Code: apperrors.ErrCodeInvalidInput, Status: http.StatusBadRequest},
		apperrors.Rule{Target: domain.ErrPeerNotConnected, Code: apperrors.ErrCodeConflict, Status: http.StatusConflict},
		apperrors.Rule{Target: domain.ErrSessionNotStarted, Code: apperrors.ErrCodeServiceUnavailable, Status: http.StatusServiceUnavailable},
		apperrors.Rule{Target: domain.ErrSessionClosed, Code: apperrors.ErrCodeServiceUnavailable, Status: http.StatusServiceUnavailable},
		apperrors.Rule{Target: domain.ErrCaptureUnavailable, Code: apperrors.ErrCodeServiceUnavailable, Status: http.StatusServiceUnavailable},
	)
}

// ErrorHandlerMiddleware renders the last error attached with c.Error.
func ErrorHandlerMiddleware(mapper *apperrors.Mapper, logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		appErr := mapper.Map(c.Errors.Last().Err)
		kv := []interface{}{
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"error", appErr.Error(),
		}
		if appErr.HTTPStatus >= http.StatusInternalServerError && appErr.Code == apperrors.ErrCodeInternal {
			logger.Errorw("request failed", kv...)
		} else {
			logger.Debugw("request rejected", kv...)
		}

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(apperrors.ErrCodeInternal),
					"message": "internal server error",
				})
			}
		}()

		c.Next()
	}
}
