package models

import "time"

// Action kinds recorded in the history log. These mirror the commands a user
// can issue; session materialization filters on them per field.
const (
	ActionStart             = "start"
	ActionTxt2Img           = "txt2img"
	ActionImg2Img           = "img2img"
	ActionRescale           = "rescale"
	ActionChangeOrientation = "change_orientation"
	ActionSetModel          = "set_model"
)

// GenerationActions are the action kinds that invoke the image backend.
var GenerationActions = []string{ActionTxt2Img, ActionImg2Img, ActionRescale}

// HistoryEntry is one immutable row in the append-only history log. Every
// completed or moderation-blocked attempt and every settings change writes
// exactly one entry; entries are never updated or deleted. The user's session
// is a pure view over these rows, so the log is the only durable state.
type HistoryEntry struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Action      string `gorm:"size:32;not null;index"`
	Model       int    // index into configured models; -1 = not set by this entry
	Orientation int    // index into configured orientations; -1 = not set
	Prompt      string `gorm:"size:1000"`
	UserID      int64  `gorm:"not null;index"`
	UserName    string `gorm:"size:64"` // denormalized snapshot at write time
	Blocked     bool   `gorm:"default:false"`
	CreatedAt   time.Time
}
