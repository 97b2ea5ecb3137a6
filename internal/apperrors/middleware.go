// Package apperrors provides standardized error handling for the query
// service API.
//
// This file implements error handling middleware for Gin.
//
// Middleware Functions:
//   - ErrorHandler: Handles AppError and generic errors
//   - Recovery: Recovers from panics
//   - HandleError: Helper for error responses in handlers
//   - AbortWithError: Helper to abort request with error
//
// Example Usage:
//
//	router.Use(apperrors.Recovery())
//	router.Use(apperrors.ErrorHandler())
//
//	func handler(c *gin.Context) {
//	    sub, err := registry.GetSubscription(id)
//	    if err != nil {
//	        apperrors.HandleError(c, apperrors.NotFound("subscription"))
//	        return
//	    }
//	    c.JSON(200, sub)
//	}
package apperrors

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nmos-tools/queryservice/internal/logger"
)

// ErrorHandler is a middleware that handles errors consistently
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			err := c.Errors.Last()

			if appErr, ok := err.Err.(*AppError); ok {
				log := logger.HTTP()
				if appErr.StatusCode >= 500 {
					log.Error().Str("code", appErr.Code).Str("details", appErr.Details).Msg(appErr.Message)
				} else {
					log.Warn().Str("code", appErr.Code).Msg(appErr.Message)
				}

				c.JSON(appErr.StatusCode, appErr.ToResponse())
				return
			}

			logger.HTTP().Error().Err(err.Err).Msg("unhandled error")
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   ErrCodeInternalServer,
				Message: "an unexpected error occurred",
				Code:    ErrCodeInternalServer,
			})
		}
	}
}

// Recovery is a middleware that recovers from panics
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.HTTP().Error().Interface("panic", err).Msg("recovered from panic")

				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Error:   ErrCodeInternalServer,
					Message: "an unexpected error occurred",
					Code:    ErrCodeInternalServer,
				})

				c.Abort()
			}
		}()

		c.Next()
	}
}

// HandleError is a helper function to handle errors in handlers
func HandleError(c *gin.Context, err error) {
	if appErr, ok := err.(*AppError); ok {
		c.Error(appErr)
		c.JSON(appErr.StatusCode, appErr.ToResponse())
	} else {
		internalErr := InternalServer(err.Error())
		c.Error(internalErr)
		c.JSON(internalErr.StatusCode, internalErr.ToResponse())
	}
}

// AbortWithError is a helper to abort request with error
func AbortWithError(c *gin.Context, err *AppError) {
	c.Error(err)
	c.AbortWithStatusJSON(err.StatusCode, err.ToResponse())
}
