package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/credo-hq/credo/internal/fault"
	"github.com/credo-hq/credo/pkg/types"
)

// profileKind parses and validates the {kind} path segment.
func profileKind(c *gin.Context) (types.ProfileKind, bool) {
	kind := types.ProfileKind(c.Param("kind"))
	if !kind.IsValid() {
		failInvalid(c, "unknown profile kind %q", c.Param("kind"))
		return "", false
	}
	return kind, true
}

// createProfileRequest is the wire form for POST /profiles/{kind}.
type createProfileRequest struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`

	ClientType   string   `json:"client_type"`
	BrandValues  []string `json:"brand_values"`
	Role         string   `json:"role"`
	Organization string   `json:"organization"`
}

// createProfile answers POST /profiles/{kind}.
func (s *Server) createProfile(c *gin.Context) {
	kind, ok := profileKind(c)
	if !ok {
		return
	}
	var req createProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failInvalid(c, "decode profile: %v", err)
		return
	}
	if req.Name == "" {
		failInvalid(c, "profile name is required")
		return
	}

	p := &types.Profile{
		ID:           req.ID,
		Kind:         kind,
		Name:         req.Name,
		Description:  req.Description,
		Tags:         req.Tags,
		ClientType:   req.ClientType,
		BrandValues:  req.BrandValues,
		Role:         req.Role,
		Organization: req.Organization,
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.d.KB.Profiles().CreateProfile(c.Request.Context(), p); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": p.ID, "profile": p})
}

// listProfiles answers GET /profiles/{kind}?tags=a,b.
func (s *Server) listProfiles(c *gin.Context) {
	kind, ok := profileKind(c)
	if !ok {
		return
	}
	profiles, err := s.d.KB.Profiles().ListProfiles(c.Request.Context(), kind, splitList(c.Query("tags")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles})
}

// getProfile answers GET /profiles/{kind}/{id}.
func (s *Server) getProfile(c *gin.Context) {
	kind, ok := profileKind(c)
	if !ok {
		return
	}
	p, err := s.d.KB.Profiles().GetProfile(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if p.Kind != kind {
		fail(c, fault.New(fault.KindNotFound, "no %s profile %s", kind, c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, p)
}

// deleteProfile answers DELETE /profiles/{kind}/{id}.
func (s *Server) deleteProfile(c *gin.Context) {
	if _, ok := profileKind(c); !ok {
		return
	}
	if err := s.d.KB.Profiles().DeleteProfile(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// addFactRequest is the wire form for POST /profiles/{kind}/{id}/facts.
type addFactRequest struct {
	Statement  string  `json:"statement"`
	SourceRef  string  `json:"source_ref"`
	Confidence float64 `json:"confidence"`
	Verified   bool    `json:"verified"`
}

// addFact answers POST /profiles/{kind}/{id}/facts.
func (s *Server) addFact(c *gin.Context) {
	if _, ok := profileKind(c); !ok {
		return
	}
	var req addFactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failInvalid(c, "decode fact: %v", err)
		return
	}
	if req.Statement == "" {
		failInvalid(c, "fact statement is required")
		return
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		failInvalid(c, "fact confidence %v outside [0,1]", req.Confidence)
		return
	}

	f := &types.Fact{
		ID:         uuid.NewString(),
		ProfileID:  c.Param("id"),
		Statement:  req.Statement,
		SourceRef:  req.SourceRef,
		Confidence: req.Confidence,
		Verified:   req.Verified,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.d.KB.Profiles().AddFact(c.Request.Context(), c.Param("id"), f); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"fact_id": f.ID, "fact": f})
}

// linkDocument answers POST /profiles/{kind}/{id}/link/{document_id}.
func (s *Server) linkDocument(c *gin.Context) {
	if _, ok := profileKind(c); !ok {
		return
	}
	if err := s.d.KB.Profiles().Link(c.Request.Context(), c.Param("document_id"), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "linked"})
}

// unlinkDocument answers DELETE /profiles/{kind}/{id}/link/{document_id}.
func (s *Server) unlinkDocument(c *gin.Context) {
	if _, ok := profileKind(c); !ok {
		return
	}
	if err := s.d.KB.Profiles().Unlink(c.Request.Context(), c.Param("document_id"), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unlinked"})
}
