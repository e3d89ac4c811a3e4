package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/credo-hq/credo/internal/claim"
	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/pkg/types"
)

// validateClaimRequest is the wire form for POST /validate/claim.
type validateClaimRequest struct {
	Text string `json:"text"`

	// Profiles optionally narrows retrieval to the given profile ids.
	Profiles []string `json:"profiles"`
}

// validateClaim answers POST /validate/claim: one interactive adjudication
// at high priority.
func (s *Server) validateClaim(c *gin.Context) {
	var req validateClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failInvalid(c, "decode claim: %v", err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		failInvalid(c, "claim text is required")
		return
	}

	// The endpoint takes bare text; entity mentions come from the rule
	// extractor so retrieval can still match profiles by name.
	cl := types.Claim{
		ID:         uuid.NewString(),
		Text:       req.Text,
		Kind:       types.ClaimFact,
		Confidence: 1,
		Extractor:  "interactive",
	}
	if rules := claim.ExtractRules("", req.Text); len(rules) > 0 {
		cl.Entities = rules[0].Entities
	}

	val, err := s.d.Pipeline.ValidateClaim(c.Request.Context(), cl, req.Profiles...)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, val)
}

// validateTranscriptRequest is the wire form for POST /validate/transcript.
// Exactly one of TranscriptID or Text must be set: TranscriptID replays a
// stored transcript, Text validates ad-hoc material.
type validateTranscriptRequest struct {
	TranscriptID string `json:"transcript_id"`
	Text         string `json:"text"`
}

// validateTranscript answers POST /validate/transcript with a full report.
func (s *Server) validateTranscript(c *gin.Context) {
	var req validateTranscriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failInvalid(c, "decode request: %v", err)
		return
	}

	var tr *types.Transcript
	switch {
	case req.TranscriptID != "" && strings.TrimSpace(req.Text) != "":
		failInvalid(c, "transcript_id and text are mutually exclusive")
		return
	case req.TranscriptID != "":
		if s.d.Transcripts == nil {
			fail(c, fault.New(fault.KindNotFound, "no transcript store configured"))
			return
		}
		stored, err := s.d.Transcripts.GetTranscript(c.Request.Context(), req.TranscriptID)
		if err != nil {
			fail(c, err)
			return
		}
		tr = stored
	case strings.TrimSpace(req.Text) != "":
		tr = &types.Transcript{
			ID:        uuid.NewString(),
			Text:      req.Text,
			CreatedAt: time.Now().UTC(),
		}
	default:
		failInvalid(c, "transcript_id or text is required")
		return
	}

	rep, err := s.d.Pipeline.ValidateTranscript(c.Request.Context(), tr)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}
