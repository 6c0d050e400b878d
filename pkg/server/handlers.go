package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/orchestrator"
)

func (s *Server) listProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.orchestrator.Registry().Describe()})
}

type createConversationRequest struct {
	Title string `json:"title"`
}

func (s *Server) createConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}
	conv, err := s.store.CreateConversation(c.Request.Context(), conversation.NewConversation(req.Title))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (s *Server) listConversations(c *gin.Context) {
	convs, err := s.store.ListConversations(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if convs == nil {
		convs = []*conversation.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (s *Server) getConversation(c *gin.Context) {
	conv, err := s.store.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) deleteConversation(c *gin.Context) {
	if err := s.store.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) forest(c *gin.Context, conversationID string) (*conversation.Forest, bool) {
	ctx := c.Request.Context()
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		writeError(c, err)
		return nil, false
	}
	turns, err := s.store.ListTurns(ctx, conversationID)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return conversation.NewForest(turns), true
}

// listTurns returns the resolved branch, optionally only its last limit turns.
func (s *Server) listTurns(c *gin.Context) {
	branchID := c.DefaultQuery("branch", conversation.RootBranch)
	if err := conversation.ValidateBranchID(branchID); err != nil {
		writeError(c, err)
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(c, &conversation.ValidationError{Field: "limit", Reason: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	conversationID := c.Param("id")
	forest, ok := s.forest(c, conversationID)
	if !ok {
		return
	}
	turns := conversation.ContextWindow(forest.Resolve(branchID), limit)
	if turns == nil {
		turns = conversation.Turns{}
	}
	c.JSON(http.StatusOK, gin.H{
		"conversationId": conversationID,
		"branchId":       branchID,
		"turns":          turns,
	})
}

func (s *Server) listBranches(c *gin.Context) {
	forest, ok := s.forest(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": forest.Branches()})
}

func (s *Server) turnParam(c *gin.Context) (conversation.TurnID, bool) {
	id, err := conversation.ParseTurnID(c.Param("id"))
	if err != nil {
		writeError(c, &conversation.ValidationError{Field: "turnId", Reason: "malformed turn id"})
		return conversation.NullTurnID, false
	}
	return id, true
}

func (s *Server) getTurn(c *gin.Context) {
	id, ok := s.turnParam(c)
	if !ok {
		return
	}
	t, err := s.store.GetTurn(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// getTurnPath returns the ancestry of a turn, oldest first.
func (s *Server) getTurnPath(c *gin.Context) {
	id, ok := s.turnParam(c)
	if !ok {
		return
	}
	t, err := s.store.GetTurn(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	forest, ok := s.forest(c, t.ConversationID)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"turns": forest.PathTo(id)})
}

func (s *Server) fanOut(c *gin.Context) {
	var req orchestrator.FanOutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.ConversationID = c.Param("id")
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	s.streamRun(c, func(sink events.EventSink) (*orchestrator.Run, error) {
		return s.orchestrator.FanOut(c.Request.Context(), req, sink)
	})
}

type compareRequest struct {
	Providers []string `json:"providers"`
}

func (s *Server) compare(c *gin.Context) {
	id, ok := s.turnParam(c)
	if !ok {
		return
	}
	var body compareRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	req := orchestrator.CompareRequest{TurnID: id, Providers: body.Providers}
	s.streamRun(c, func(sink events.EventSink) (*orchestrator.Run, error) {
		return s.orchestrator.Compare(c.Request.Context(), req, sink)
	})
}

func (s *Server) listRuns(c *gin.Context) {
	runs := s.orchestrator.Runs().List()
	states := make([]orchestrator.RunState, 0, len(runs))
	for _, r := range runs {
		states = append(states, r.State())
	}
	c.JSON(http.StatusOK, gin.H{"runs": states})
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.orchestrator.Runs().Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run.State())
}

type cancelRequest struct {
	// Provider limits the cancellation to one session. Empty cancels the run.
	Provider string `json:"provider"`
}

func (s *Server) cancelRun(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}
	if err := s.orchestrator.Runs().Cancel(c.Param("id"), req.Provider); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"runId": c.Param("id"), "provider": req.Provider})
}
