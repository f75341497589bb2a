package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/darkroom/internal/models"
	"gorm.io/gorm"
)

const (
	ssePollInterval      = 2 * time.Second
	sseHeartbeatInterval = 15 * time.Second
)

// handleSSE streams new history entries as server-sent events. Clients get a
// "connected" event, then an "entry" event per new history row, with a
// periodic heartbeat to keep intermediaries from closing the stream.
func handleSSE(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		// Only entries appended after the stream opened are sent; the
		// backlog is available via /api/history.
		var lastSeenID uint
		var newest models.HistoryEntry
		if err := db.Order("id DESC").Limit(1).First(&newest).Error; err == nil {
			lastSeenID = newest.ID
		}

		ctx := c.Request.Context()
		ticker := time.NewTicker(ssePollInterval)
		heartbeat := time.NewTicker(sseHeartbeatInterval)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				var entries []models.HistoryEntry
				db.Where("id > ?", lastSeenID).Order("id ASC").Find(&entries)
				if len(entries) == 0 {
					continue
				}
				lastSeenID = entries[len(entries)-1].ID

				for _, e := range entries {
					writeSSE(c.Writer, "entry", toEntryJSON(e))
				}
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
