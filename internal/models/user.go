package models

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Perf is a user's standing in one rating category
type Perf struct {
	Rating     int `json:"rating"`
	RatedGames int `json:"rated_games"`
}

// User is a player as seen by the simul service
type User struct {
	ID        string            `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
	Username  string            `gorm:"not null;uniqueIndex" json:"username"`
	Title     string            `json:"title,omitempty"`
	Perfs     map[PerfType]Perf `gorm:"serializer:json" json:"perfs"`
	TeamIDs   []string          `gorm:"serializer:json" json:"team_ids"`
	Marked    bool              `gorm:"not null;default:false" json:"marked"`
}

const defaultRating = 1500

// PerfFor returns the user's standing in perf, with a provisional default
func (u *User) PerfFor(perf PerfType) Perf {
	if p, ok := u.Perfs[perf]; ok {
		return p
	}
	return Perf{Rating: defaultRating}
}

// RatingFor returns the user's rating in perf
func (u *User) RatingFor(perf PerfType) int {
	return u.PerfFor(perf).Rating
}

// InTeam reports whether the user belongs to teamID
func (u *User) InTeam(teamID string) bool {
	for _, id := range u.TeamIDs {
		if id == teamID {
			return true
		}
	}
	return false
}

// SetupModels runs migrations for every persisted model
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&User{},
		&Event{},
		&Game{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}
	return nil
}
