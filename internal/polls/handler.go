// Package polls serves the persisted poll history and student registry over HTTP.
package polls

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/records"
	"github.com/aura-classroom/livepoll/pkg/response"
)

// Counter reports live connections per role.
type Counter interface {
	Count(role models.Role) int
}

// LiveResponse is the body of GET /live.
type LiveResponse struct {
	Teachers int `json:"teachers"`
	Students int `json:"students"`
}

// Handler handles poll history endpoints.
type Handler struct {
	results  *records.Results
	students *records.Students
	live     Counter
	logger   *zap.Logger
}

// NewHandler creates a polls handler. live may be nil.
func NewHandler(results *records.Results, students *records.Students, live Counter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{results: results, students: students, live: live, logger: logger}
}

// ListResults handles GET /results.
func (h *Handler) ListResults(c *gin.Context) {
	list, err := h.results.List(c.Request.Context())
	if err != nil {
		h.logger.Error("list results", zap.Error(err))
		response.Internal(c, "failed to list results")
		return
	}
	response.OK(c, list)
}

// GetResult handles GET /results/:id.
func (h *Handler) GetResult(c *gin.Context) {
	res, err := h.results.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, records.ErrNotFound) {
		response.NotFound(c, "result not found")
		return
	}
	if err != nil {
		h.logger.Error("get result", zap.Error(err))
		response.Internal(c, "failed to load result")
		return
	}
	response.OK(c, res)
}

// DeleteResult handles DELETE /results/:id (teacher).
func (h *Handler) DeleteResult(c *gin.Context) {
	err := h.results.Delete(c.Request.Context(), c.Param("id"))
	if errors.Is(err, records.ErrNotFound) {
		response.NotFound(c, "result not found")
		return
	}
	if err != nil {
		h.logger.Error("delete result", zap.Error(err))
		response.Internal(c, "failed to delete result")
		return
	}
	response.NoContent(c)
}

// ClearResults handles DELETE /results (teacher).
func (h *Handler) ClearResults(c *gin.Context) {
	if err := h.results.Clear(c.Request.Context()); err != nil {
		h.logger.Error("clear results", zap.Error(err))
		response.Internal(c, "failed to clear results")
		return
	}
	response.NoContent(c)
}

// ListStudents handles GET /students (teacher).
func (h *Handler) ListStudents(c *gin.Context) {
	list, err := h.students.List(c.Request.Context())
	if err != nil {
		h.logger.Error("list students", zap.Error(err))
		response.Internal(c, "failed to list students")
		return
	}
	response.OK(c, list)
}

// Live handles GET /live.
func (h *Handler) Live(c *gin.Context) {
	if h.live == nil {
		response.ServiceUnavailable(c, "live sessions not hosted here")
		return
	}
	response.OK(c, LiveResponse{
		Teachers: h.live.Count(models.RoleTeacher),
		Students: h.live.Count(models.RoleStudent),
	})
}
