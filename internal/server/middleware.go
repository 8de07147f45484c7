package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	auditcontext "github.com/smallbiznis/referralpool/internal/auditcontext"
	obscontext "github.com/smallbiznis/referralpool/internal/observability/context"
	"go.uber.org/zap"
)

// The upstream auth gateway authenticates the caller and forwards who they
// are in these headers.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"

	actorTypeUser = "user"

	contextActorIDKey   = "actor_id"
	contextActorRoleKey = "actor_role"
)

// ActorRequired rejects requests without a forwarded actor and stamps the
// actor on the request context for audit and logs.
func (s *Server) ActorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if actorID == "" || strings.EqualFold(actorID, "system") {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		role := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole)))

		ctx := c.Request.Context()
		ctx = auditcontext.WithActor(ctx, actorTypeUser, actorID)
		ctx = obscontext.WithActor(ctx, actorTypeUser, actorID)
		c.Request = c.Request.WithContext(ctx)

		c.Set(contextActorIDKey, actorID)
		c.Set(contextActorRoleKey, role)
		c.Next()
	}
}

func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := c.GetString(contextActorIDKey)
		if actorID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if s.authzSvc == nil {
			AbortWithError(c, ErrForbidden)
			return
		}
		subject := actorTypeUser + ":" + actorID
		if err := s.authzSvc.Authorize(c.Request.Context(), subject, c.GetString(contextActorRoleKey), object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// AdminRateLimit throttles admin calls per actor. Limiter failures fail open.
func (s *Server) AdminRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.adminLimiter.Enabled() {
			c.Next()
			return
		}

		actorID := c.GetString(contextActorIDKey)
		result, err := s.adminLimiter.Allow(c.Request.Context(), actorID)
		if err != nil {
			s.log.Warn("admin rate limit check failed", zap.String("actor_id", actorID), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if !result.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds()))))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func requestActor(c *gin.Context) string {
	return c.GetString(contextActorIDKey)
}
