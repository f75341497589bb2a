// Package session materializes per-user sessions from the history log.
// A session is never stored: every read replays the newest relevant history
// entries, so there is no cached copy to drift or to lose in a crash.
package session

import (
	"fmt"

	"github.com/zulandar/darkroom/internal/history"
	"github.com/zulandar/darkroom/internal/models"
)

// Field names a session field that can be materialized independently.
type Field string

const (
	FieldAction      Field = "action"
	FieldModel       Field = "model"
	FieldOrientation Field = "orientation"
	FieldPrompt      Field = "prompt"
)

// AllFields lists every materializable field.
var AllFields = []Field{FieldAction, FieldModel, FieldOrientation, FieldPrompt}

// relevantActions maps each field to the action kinds that can set it.
// A txt2img entry carries model, orientation and prompt at once; a
// change_orientation entry carries only the orientation.
var relevantActions = map[Field][]string{
	FieldAction: {
		models.ActionStart, models.ActionTxt2Img, models.ActionImg2Img,
		models.ActionRescale, models.ActionChangeOrientation, models.ActionSetModel,
	},
	FieldModel: {
		models.ActionStart, models.ActionTxt2Img, models.ActionImg2Img,
		models.ActionSetModel,
	},
	FieldOrientation: {
		models.ActionStart, models.ActionTxt2Img, models.ActionImg2Img,
		models.ActionChangeOrientation,
	},
	FieldPrompt: {
		models.ActionStart, models.ActionTxt2Img, models.ActionImg2Img,
	},
}

// Session is the materialized view of a user's latest settings. Fields are
// independently "most recent of their kind": the model may come from a
// set_model entry while the prompt comes from an older txt2img entry.
type Session struct {
	LastAction      string
	LastModel       int
	LastOrientation int
	LastPrompt      string
	Blocked         bool // most recent attempt was flagged by moderation
}

// defaults is the zero-value session for users with no history.
func defaults() Session {
	return Session{
		LastAction:      models.ActionStart,
		LastModel:       0,
		LastOrientation: 0,
		LastPrompt:      "",
		Blocked:         false,
	}
}

// Store derives sessions from the history log.
type Store struct {
	log *history.Log
}

// NewStore creates a Store over a history log.
func NewStore(log *history.Log) (*Store, error) {
	if log == nil {
		return nil, fmt.Errorf("session: history log is required")
	}
	return &Store{log: log}, nil
}

// Get returns the fully materialized session for the user. Users with no
// history get the zero-value defaults; nothing is written.
func (s *Store) Get(userID int64) (Session, error) {
	return s.Materialize(userID, AllFields...)
}

// Materialize recomputes the requested fields by scanning the user's history
// newest-first and stopping, per field, at the first entry whose action kind
// can set it. Entries that carry -1 for a numeric column do not resolve that
// field; the scan continues to an older entry. Unrequested fields keep their
// defaults.
func (s *Store) Materialize(userID int64, fields ...Field) (Session, error) {
	sess := defaults()
	if len(fields) == 0 {
		fields = AllFields
	}

	var entries []models.HistoryEntry
	err := s.log.DB().
		Where("user_id = ?", userID).
		Order("id DESC").
		Find(&entries).Error
	if err != nil {
		return Session{}, fmt.Errorf("%w: materialize: %v", history.ErrStorageUnavailable, err)
	}

	unresolved := make(map[Field]bool, len(fields))
	for _, f := range fields {
		unresolved[f] = true
	}

	for _, e := range entries {
		if len(unresolved) == 0 {
			break
		}
		for f := range unresolved {
			if !actionRelevant(f, e.Action) {
				continue
			}
			if resolve(&sess, f, e) {
				delete(unresolved, f)
			}
		}
	}

	return sess, nil
}

// resolve applies entry e to field f. Returns false when the entry cannot
// settle the field (a -1 sentinel column) and the scan must continue.
func resolve(sess *Session, f Field, e models.HistoryEntry) bool {
	switch f {
	case FieldAction:
		sess.LastAction = e.Action
		sess.Blocked = e.Blocked
	case FieldModel:
		if e.Model < 0 {
			return false
		}
		sess.LastModel = e.Model
	case FieldOrientation:
		if e.Orientation < 0 {
			return false
		}
		sess.LastOrientation = e.Orientation
	case FieldPrompt:
		sess.LastPrompt = e.Prompt
	}
	return true
}

// actionRelevant reports whether action kind a can set field f.
func actionRelevant(f Field, a string) bool {
	for _, kind := range relevantActions[f] {
		if kind == a {
			return true
		}
	}
	return false
}
