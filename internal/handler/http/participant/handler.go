package participant

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"teamcall-backend/internal/domain"
	"teamcall-backend/internal/presence"
	apperrors "teamcall-backend/pkg/errors"
	"teamcall-backend/pkg/logger"
	"teamcall-backend/pkg/response"
)

const (
	// maxResolveIDs bounds a single roster lookup
	maxResolveIDs = 64
	maxIDLength   = 128
)

// Resolver builds participant records for a list of user ids
type Resolver interface {
	Resolve(ctx context.Context, ids []string) []domain.Participant
}

// OnlineLister lists the users currently present on the relay
type OnlineLister interface {
	Online(ctx context.Context) ([]presence.Entry, error)
}

// Handler serves roster and presence lookups for relay clients
type Handler struct {
	participants Resolver
	online       OnlineLister
	local        func() []string
}

// NewHandler creates a participant handler. local lists the users connected
// to this instance and answers presence queries when online is nil or fails.
func NewHandler(participants Resolver, online OnlineLister, local func() []string) *Handler {
	return &Handler{
		participants: participants,
		online:       online,
		local:        local,
	}
}

// ResolveParticipants returns profile and presence data for the given ids
// GET /v1/participants?ids=a,b
func (h *Handler) ResolveParticipants(c *gin.Context) {
	var ids []string
	seen := make(map[string]bool)
	for _, raw := range strings.Split(c.Query("ids"), ",") {
		id := strings.TrimSpace(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		response.FromError(c, apperrors.MissingFieldError("ids"))
		return
	}
	if len(ids) > maxResolveIDs {
		response.FromError(c, apperrors.InvalidInputError("too many ids").WithDetails(gin.H{
			"max":       maxResolveIDs,
			"requested": len(ids),
		}))
		return
	}
	for _, id := range ids {
		if len(id) > maxIDLength {
			response.FromError(c, apperrors.ValidationError(fmt.Sprintf("participant id longer than %d characters", maxIDLength)))
			return
		}
	}

	response.Success(c, http.StatusOK, gin.H{
		"participants": h.participants.Resolve(c.Request.Context(), ids),
	})
}

// ListOnline returns the users currently present
// GET /v1/presence
func (h *Handler) ListOnline(c *gin.Context) {
	if h.online != nil {
		entries, err := h.online.Online(c.Request.Context())
		if err == nil {
			response.Success(c, http.StatusOK, gin.H{"online": entries})
			return
		}
		logger.Warn("Presence store unavailable, answering from local connections", zap.Error(err))
	}

	var entries []presence.Entry
	if h.local != nil {
		for _, id := range h.local() {
			entries = append(entries, presence.Entry{UserID: id})
		}
	}
	response.Success(c, http.StatusOK, gin.H{"online": entries})
}
