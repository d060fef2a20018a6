package handler

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/ghostmesh/ghostmesh/internal/app"
	"github.com/ghostmesh/ghostmesh/internal/store"
)

type jobLogHandler struct {
	app *app.App
}

func (h *jobLogHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 {
		limit = 50
	}

	var (
		jobs []*store.JobLog
		err  error
	)
	if ghost := c.Query("ghost"); ghost != "" {
		g, gerr := h.app.Control.GetGhostByName(ghost)
		if gerr != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": gerr.Error()})
			return
		}
		jobs, err = h.app.Control.ListJobsForGhost(g.ID, limit)
	} else {
		jobs, err = h.app.Control.ListRecentJobs(limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobResponse(j, false))
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *jobLogHandler) Get(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad job id"})
		return
	}
	j, err := h.app.Control.GetJobLog(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobResponse(j, true))
}

// Feed streams job-log summaries over SSE so a connected client sees runs
// appear and finish live: an event every poll interval while the client
// stays connected.
func (h *jobLogHandler) Feed(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-ticker.C:
		}
		sums, err := h.app.Control.ListJobSummaries(20)
		if err != nil {
			return false
		}
		out := make([]gin.H, 0, len(sums))
		for _, s := range sums {
			item := gin.H{
				"id": s.ID, "ghost_id": s.GhostID, "kind": s.Kind,
				"started_at": s.StartedAt.Format(time.RFC3339),
				"status":     s.Status,
				"preview":    s.Preview,
			}
			if s.FinishedAt != nil {
				item["finished_at"] = s.FinishedAt.Format(time.RFC3339)
			} else {
				item["in_progress"] = true
			}
			out = append(out, item)
		}
		sse.Encode(w, sse.Event{Event: "jobs", Data: out})
		return true
	})
}

func jobResponse(j *store.JobLog, full bool) gin.H {
	out := gin.H{
		"id":         j.ID,
		"ghost_id":   j.GhostID,
		"session_id": j.SessionID,
		"kind":       j.Kind,
		"started_at": j.StartedAt.Format(time.RFC3339),
		"status":     j.Status,
	}
	if j.FinishedAt != nil {
		out["finished_at"] = j.FinishedAt.Format(time.RFC3339)
	} else {
		out["in_progress"] = true
	}
	if len(j.TodoList) > 0 {
		out["todo_list"] = j.TodoList
	}
	if j.HandoffNote != "" {
		out["handoff_note"] = j.HandoffNote
	}
	if full {
		out["transcript"] = j.Transcript
	}
	return out
}
