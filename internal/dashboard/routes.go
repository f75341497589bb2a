package dashboard

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/darkroom/internal/courier"
	"github.com/zulandar/darkroom/internal/history"
	"github.com/zulandar/darkroom/internal/models"
	"github.com/zulandar/darkroom/internal/session"
	"gorm.io/gorm"
)

// statsWindow is the rolling window for /api/stats.
const statsWindow = 24 * time.Hour

// newRouter builds the Gin engine with all API routes registered.
func newRouter(db *gorm.DB) (*gin.Engine, error) {
	hist, err := history.New(db)
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewStore(hist)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", handleHealth(db))
	router.GET("/api/history", handleHistory(hist))
	router.GET("/api/users/:id/session", handleSession(sessions))
	router.GET("/api/stats", handleStats(hist))
	router.GET("/api/events", handleSSE(db))

	return router, nil
}

// entryJSON is the wire shape of one history entry.
type entryJSON struct {
	ID          uint      `json:"id"`
	Action      string    `json:"action"`
	Model       int       `json:"model"`
	Orientation int       `json:"orientation"`
	Prompt      string    `json:"prompt"`
	UserID      int64     `json:"user_id"`
	UserName    string    `json:"user_name"`
	Blocked     bool      `json:"blocked"`
	CreatedAt   time.Time `json:"created_at"`
}

func toEntryJSON(e models.HistoryEntry) entryJSON {
	return entryJSON{
		ID:          e.ID,
		Action:      e.Action,
		Model:       e.Model,
		Orientation: e.Orientation,
		Prompt:      e.Prompt,
		UserID:      e.UserID,
		UserName:    e.UserName,
		Blocked:     e.Blocked,
		CreatedAt:   e.CreatedAt,
	}
}

// handleHealth reports liveness; it pings the database so a dead storage
// backend surfaces as 503 rather than a healthy-looking 200.
func handleHealth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// handleHistory returns recent entries, newest first. Query params:
// ?user=<id> restricts to one user (ascending, full log), ?limit=<n> caps
// the cross-user listing.
func handleHistory(hist *history.Log) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			entries []models.HistoryEntry
			err     error
		)
		if userParam := c.Query("user"); userParam != "" {
			userID, parseErr := strconv.ParseInt(userParam, 10, 64)
			if parseErr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid user id %q", userParam)})
				return
			}
			entries, err = hist.ForUser(userID)
		} else {
			limit := 50
			if limitParam := c.Query("limit"); limitParam != "" {
				n, parseErr := strconv.Atoi(limitParam)
				if parseErr != nil || n <= 0 {
					c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid limit %q", limitParam)})
					return
				}
				limit = n
			}
			entries, err = hist.Recent(limit)
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		out := make([]entryJSON, 0, len(entries))
		for _, e := range entries {
			out = append(out, toEntryJSON(e))
		}
		c.JSON(http.StatusOK, gin.H{"entries": out, "count": len(out)})
	}
}

// handleSession returns the materialized session for a user. The session is
// replayed from history on every request, so it is always current.
func handleSession(sessions *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid user id %q", c.Param("id"))})
			return
		}

		sess, err := sessions.Get(userID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, history.ErrStorageUnavailable) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"user_id":          userID,
			"last_action":      sess.LastAction,
			"last_model":       sess.LastModel,
			"last_orientation": sess.LastOrientation,
			"last_prompt":      sess.LastPrompt,
			"blocked":          sess.Blocked,
		})
	}
}

// handleStats returns activity counts for the last 24 hours.
func handleStats(hist *history.Log) gin.HandlerFunc {
	return func(c *gin.Context) {
		since := time.Now().Add(-statsWindow)
		digest, err := courier.BuildDigest(hist, since)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if digest == nil {
			c.JSON(http.StatusOK, gin.H{
				"since":        since.UTC(),
				"generations":  0,
				"blocked":      0,
				"users":        0,
				"model_counts": map[string]int64{},
			})
			return
		}

		modelCounts := make(map[string]int64, len(digest.ModelCounts))
		for model, n := range digest.ModelCounts {
			modelCounts[strconv.Itoa(model)] = n
		}
		c.JSON(http.StatusOK, gin.H{
			"since":        digest.Since.UTC(),
			"generations":  digest.Generations,
			"blocked":      digest.Blocked,
			"users":        digest.Users,
			"model_counts": modelCounts,
		})
	}
}
