package courier

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zulandar/darkroom/internal/config"
	"github.com/zulandar/darkroom/internal/history"
	"github.com/zulandar/darkroom/internal/models"
)

// Digest summarizes generation activity over a window for the daily
// channel post.
type Digest struct {
	Since       time.Time
	Generations int64 // completed generations
	Blocked     int64 // moderation-rejected attempts
	Users       int64 // distinct active users
	ModelCounts map[int]int64
}

// BuildDigest aggregates history entries newer than since. Returns nil when
// there was no activity, which suppresses the post.
func BuildDigest(hist *history.Log, since time.Time) (*Digest, error) {
	db := hist.DB()
	d := &Digest{Since: since, ModelCounts: make(map[int]int64)}

	err := db.Model(&models.HistoryEntry{}).
		Where("created_at > ? AND action IN ? AND blocked = ?", since, models.GenerationActions, false).
		Count(&d.Generations).Error
	if err != nil {
		return nil, fmt.Errorf("courier: digest: count generations: %w", err)
	}

	err = db.Model(&models.HistoryEntry{}).
		Where("created_at > ? AND blocked = ?", since, true).
		Count(&d.Blocked).Error
	if err != nil {
		return nil, fmt.Errorf("courier: digest: count blocked: %w", err)
	}

	if d.Generations == 0 && d.Blocked == 0 {
		return nil, nil
	}

	err = db.Model(&models.HistoryEntry{}).
		Where("created_at > ?", since).
		Distinct("user_id").
		Count(&d.Users).Error
	if err != nil {
		return nil, fmt.Errorf("courier: digest: count users: %w", err)
	}

	var rows []struct {
		Model int
		N     int64
	}
	err = db.Model(&models.HistoryEntry{}).
		Select("model, count(*) as n").
		Where("created_at > ? AND action IN ? AND blocked = ?", since, models.GenerationActions, false).
		Group("model").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("courier: digest: count per model: %w", err)
	}
	for _, row := range rows {
		d.ModelCounts[row.Model] = row.N
	}

	return d, nil
}

// FormatDigest renders a digest as a channel message.
func FormatDigest(d *Digest, cfg *config.Config) string {
	var b strings.Builder
	b.WriteString("**Daily digest**\n")
	fmt.Fprintf(&b, "Generations: %d", d.Generations)
	if d.Blocked > 0 {
		fmt.Fprintf(&b, " (plus %d blocked)", d.Blocked)
	}
	fmt.Fprintf(&b, "\nActive users: %d\n", d.Users)

	if len(d.ModelCounts) > 0 {
		indexes := make([]int, 0, len(d.ModelCounts))
		for i := range d.ModelCounts {
			indexes = append(indexes, i)
		}
		sort.Slice(indexes, func(a, b int) bool {
			if d.ModelCounts[indexes[a]] != d.ModelCounts[indexes[b]] {
				return d.ModelCounts[indexes[a]] > d.ModelCounts[indexes[b]]
			}
			return indexes[a] < indexes[b]
		})

		b.WriteString("Models:\n")
		for _, i := range indexes {
			name := fmt.Sprintf("#%d", i)
			if m, ok := cfg.Model(i); ok {
				name = m.Name
			}
			fmt.Fprintf(&b, "  %s: %d\n", name, d.ModelCounts[i])
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
