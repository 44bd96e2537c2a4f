package http

import (
	"net/http"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	apperrors "meshcall/pkg/errors"
	"meshcall/pkg/utils"
	"meshcall/pkg/validation"

	"github.com/gin-gonic/gin"
)

var _ ports.HTTPHandler = (*SessionHandler)(nil)

// SessionHandler exposes one session over the control API. Errors are
// attached with c.Error and rendered by the error handler middleware.
type SessionHandler struct {
	session ports.SessionService
}

func NewSessionHandler(session ports.SessionService) *SessionHandler {
	return &SessionHandler{session: session}
}

func (h *SessionHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/session", h.GetSession)
		api.GET("/tiers", h.ListTiers)
		api.GET("/quality", h.GetQuality)
		api.PUT("/quality", h.SetQuality)
		api.POST("/messages", h.BroadcastMessage)
		api.GET("/peers", h.ListPeers)
		api.POST("/peers/:id", h.ConnectPeer)
		api.DELETE("/peers/:id", h.DisconnectPeer)
	}
}

type tierResponse struct {
	Name         domain.TierName `json:"name"`
	Width        int             `json:"width,omitempty"`
	Height       int             `json:"height,omitempty"`
	FrameRate    int             `json:"frame_rate,omitempty"`
	VideoBitrate int             `json:"video_bitrate_kbps"`
	AudioBitrate int             `json:"audio_bitrate_kbps"`
	Total        int             `json:"total_kbps"`
	AudioOnly    bool            `json:"audio_only"`
}

func newTierResponse(t domain.QualityTier) tierResponse {
	return tierResponse{
		Name:         t.Name,
		Width:        t.Width,
		Height:       t.Height,
		FrameRate:    t.FrameRate,
		VideoBitrate: t.VideoBitrate,
		AudioBitrate: t.AudioBitrate,
		Total:        t.TotalBandwidth(),
		AudioOnly:    t.AudioOnly(),
	}
}

type sampleResponse struct {
	Timestamp  time.Time             `json:"timestamp"`
	Throughput float64               `json:"throughput_kbps"`
	LatencyMs  int64                 `json:"latency_ms"`
	PacketLoss float64               `json:"packet_loss"`
	Source     domain.EstimateSource `json:"source"`
}

func newSampleResponse(s *domain.BandwidthSample) *sampleResponse {
	if s == nil {
		return nil
	}
	return &sampleResponse{
		Timestamp:  s.Timestamp,
		Throughput: s.Throughput,
		LatencyMs:  s.Latency.Milliseconds(),
		PacketLoss: s.PacketLoss,
		Source:     s.Source,
	}
}

type remoteStreamResponse struct {
	ID       string             `json:"id"`
	TrackIDs []string           `json:"track_ids"`
	Kinds    []domain.TrackKind `json:"kinds"`
}

type peerResponse struct {
	ID           domain.PeerID         `json:"id"`
	Role         domain.PeerRole       `json:"role"`
	State        domain.PeerState      `json:"state"`
	RemoteStream *remoteStreamResponse `json:"remote_stream,omitempty"`
	LastSample   *sampleResponse       `json:"last_sample,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
}

func newPeerResponse(p domain.PeerInfo) peerResponse {
	resp := peerResponse{
		ID:         p.ID,
		Role:       p.Role,
		State:      p.State,
		LastSample: newSampleResponse(p.LastSample),
		CreatedAt:  p.CreatedAt,
	}
	if p.RemoteStream != nil {
		resp.RemoteStream = &remoteStreamResponse{
			ID:       p.RemoteStream.ID,
			TrackIDs: p.RemoteStream.TrackIDs,
			Kinds:    p.RemoteStream.Kinds,
		}
	}
	return resp
}

// GetSession returns the control loop stats.
func (h *SessionHandler) GetSession(c *gin.Context) {
	stats := h.session.Stats()
	c.JSON(http.StatusOK, gin.H{
		"session_id":      stats.SessionID,
		"tier":            stats.Tier,
		"pinned":          stats.Pinned,
		"estimate_kbps":   stats.Estimate,
		"window_size":     stats.WindowSize,
		"connected_peers": stats.ConnectedPeers,
		"total_peers":     stats.TotalPeers,
		"worst_link":      newSampleResponse(stats.WorstLink),
		"timestamp":       stats.Timestamp,
	})
}

func (h *SessionHandler) ListTiers(c *gin.Context) {
	catalog := domain.Catalog()
	tiers := make([]tierResponse, 0, len(catalog))
	for _, t := range catalog {
		tiers = append(tiers, newTierResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{"tiers": tiers})
}

func (h *SessionHandler) GetQuality(c *gin.Context) {
	stats := h.session.Stats()
	c.JSON(http.StatusOK, gin.H{
		"tier":   newTierResponse(h.session.GetCurrentTier()),
		"pinned": stats.Pinned,
	})
}

// SetQuality forces a tier. Pinned, when present, is applied together with
// the tier so a caller can lock the manual choice against automatic
// adaptation.
func (h *SessionHandler) SetQuality(c *gin.Context) {
	var req struct {
		Tier   domain.TierName `json:"tier" binding:"required"`
		Pinned *bool           `json:"pinned"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid quality request", http.StatusBadRequest))
		return
	}

	tier, err := domain.TierByName(req.Tier)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if req.Pinned != nil {
		err = h.session.SetQualityPinned(tier, *req.Pinned)
	} else {
		err = h.session.SetQuality(tier)
	}
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tier":   newTierResponse(h.session.GetCurrentTier()),
		"pinned": h.session.Stats().Pinned,
	})
}

// BroadcastMessage sends the request body text to every connected peer.
func (h *SessionHandler) BroadcastMessage(c *gin.Context) {
	var req struct {
		Message string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid message request", http.StatusBadRequest))
		return
	}
	if err := validation.ValidateMessage(req.Message); err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest))
		return
	}

	delivered := h.session.BroadcastMessage([]byte(req.Message))
	c.JSON(http.StatusAccepted, gin.H{"delivered": delivered})
}

func (h *SessionHandler) ListPeers(c *gin.Context) {
	infos := h.session.Peers()
	peers := make([]peerResponse, 0, len(infos))
	for _, p := range infos {
		peers = append(peers, newPeerResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

// ConnectPeer creates a connection to the given peer. The local side offers
// unless the body asks for the responder role.
func (h *SessionHandler) ConnectPeer(c *gin.Context) {
	id := utils.SanitizeID(c.Param("id"))
	if err := validation.ValidatePeerID(id); err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest))
		return
	}

	var req struct {
		Role domain.PeerRole `json:"role"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid peer request", http.StatusBadRequest))
			return
		}
	}
	switch req.Role {
	case "":
		req.Role = domain.RoleInitiator
	case domain.RoleInitiator, domain.RoleResponder:
	default:
		_ = c.Error(apperrors.NewInvalidInputError("unknown peer role").WithContext("role", req.Role))
		return
	}

	if err := h.session.AddPeer(c.Request.Context(), domain.PeerID(id), req.Role); err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"peer_id": id,
		"role":    req.Role,
	})
}

func (h *SessionHandler) DisconnectPeer(c *gin.Context) {
	id := domain.PeerID(utils.SanitizeID(c.Param("id")))
	if err := h.session.RemovePeer(id); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
