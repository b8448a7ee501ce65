package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/venuescout/accessguard/pkg/access"
)

// handleError writes err with the status its type maps to
func (s *Service) handleError(c *gin.Context, err error) {
	status, body := s.errorResponse(c, err)
	c.JSON(status, body)
}

func (s *Service) abortWithError(c *gin.Context, err error) {
	status, body := s.errorResponse(c, err)
	c.AbortWithStatusJSON(status, body)
}

func (s *Service) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "INVALID_REQUEST",
		"message": "Invalid request format",
		"details": err.Error(),
	})
}

func (s *Service) errorResponse(c *gin.Context, err error) (int, gin.H) {
	var validation access.ValidationErrors
	if errors.As(err, &validation) {
		return http.StatusBadRequest, gin.H{
			"error":   "VALIDATION_FAILED",
			"message": "Validation failed",
			"details": validation,
		}
	}

	var engineErr *access.Error
	if errors.As(err, &engineErr) {
		body := gin.H{
			"error":   engineErr.Code,
			"message": engineErr.Message,
		}
		if engineErr.Subject != "" {
			body["subject"] = engineErr.Subject
		}
		return statusForErrorType(engineErr.Type), body
	}

	s.logger.WithComponent("gateway").WithError(err).WithField("path", c.Request.URL.Path).Error("Internal server error")
	return http.StatusInternalServerError, gin.H{
		"error":   "INTERNAL_ERROR",
		"message": "An internal error occurred",
	}
}

func statusForErrorType(t access.ErrorType) int {
	switch t {
	case access.ErrorTypeContract:
		return http.StatusBadRequest
	case access.ErrorTypeAuth:
		return http.StatusUnauthorized
	case access.ErrorTypeNotFound:
		return http.StatusNotFound
	case access.ErrorTypeConflict:
		return http.StatusConflict
	case access.ErrorTypeConfiguration:
		return http.StatusUnprocessableEntity
	case access.ErrorTypeResource:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
