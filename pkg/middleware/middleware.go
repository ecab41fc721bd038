package middleware

import (
	"crypto/subtle"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/metrics"
	"github.com/ksred/klear-broker/internal/ratelimit"
	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/ksred/klear-broker/pkg/response"
	"github.com/rs/zerolog/log"
)

// RequestLogger logs every request once it completes
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		evt := log.Info()
		if c.Writer.Status() >= 500 {
			evt = log.Error()
		}
		evt.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("client_id", c.GetString("clientID")).
			Msg("request")
	}
}

// RateLimit applies l to each request, keyed by the authenticated client when
// known and the source address otherwise
func RateLimit(l *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		res, err := l.Check(c.Request.Context(), clientID)
		if err != nil {
			// The store being down must not take the API with it.
			log.Error().Err(err).Str("class", l.Class()).Msg("rate limit check failed, allowing request")
			c.Next()
			return
		}

		if !res.Allowed {
			metrics.RateLimitDenials.WithLabelValues(l.Class()).Inc()
			appErr := apperr.RateLimited(res.ResetIn)
			appErr.Message = "Rate limit exceeded. Please try again later."
			response.TooManyRequests(c, appErr)
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func unauthorized(c *gin.Context, message string) {
	response.Unauthorized(c, message)
	c.Abort()
}

// JWTAuth verifies the caller token and stores its client id in the context
func JWTAuth(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			unauthorized(c, "Invalid authorization header")
			return
		}

		claims, err := svc.ValidateToken(tokenString)
		if err != nil {
			unauthorized(c, "Invalid token")
			return
		}

		c.Set("claims", claims)
		c.Set("clientID", claims.ClientID)
		c.Next()
	}
}

// InternalAuth protects internal routes with a static bearer token
func InternalAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented, ok := bearerToken(c)
		if !ok {
			unauthorized(c, "Authorization header required")
			return
		}
		if token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			unauthorized(c, "Invalid internal token")
			return
		}

		c.Set("clientID", "internal")
		c.Next()
	}
}
