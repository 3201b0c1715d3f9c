package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrStaleEvent is returned by a write whose event was changed or removed
// since it was read
var ErrStaleEvent = errors.New("event changed since it was read")

// EventStatus is the lifecycle state of an event
type EventStatus int

// Statuses only move forward: Created -> Started -> Finished, or Created -> Aborted
const (
	StatusCreated  EventStatus = 10
	StatusStarted  EventStatus = 20
	StatusFinished EventStatus = 30
	StatusAborted  EventStatus = 40
)

func (s EventStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusStarted:
		return "started"
	case StatusFinished:
		return "finished"
	case StatusAborted:
		return "aborted"
	}
	return "unknown"
}

// Clock is the time control shared by every game of an event
type Clock struct {
	LimitSeconds              int `json:"limit_seconds" validate:"gte=0,lte=10800"`
	IncrementSeconds          int `json:"increment_seconds" validate:"gte=0,lte=180"`
	HostExtraSeconds          int `json:"host_extra_seconds" validate:"gte=0,lte=3600"`
	HostExtraPerPlayerSeconds int `json:"host_extra_per_player_seconds" validate:"gte=0,lte=60"`
}

// EstimateSeconds approximates the total game duration for a single player
func (c Clock) EstimateSeconds() int {
	return c.LimitSeconds + 40*c.IncrementSeconds
}

// HostLimitSeconds is the host's initial time for an event with the given number of pairings
func (c Clock) HostLimitSeconds(nbPairings int) int {
	return c.LimitSeconds + c.HostExtraSeconds + c.HostExtraPerPlayerSeconds*nbPairings
}

// Conditions restrict who may apply to an event
type Conditions struct {
	MinRating     *int   `json:"min_rating,omitempty"`
	MaxRating     *int   `json:"max_rating,omitempty"`
	MinRatedGames *int   `json:"min_rated_games,omitempty"`
	TeamID        string `json:"team_id,omitempty"`
}

// IsEmpty reports whether no condition is set
func (c Conditions) IsEmpty() bool {
	return c.MinRating == nil && c.MaxRating == nil && c.MinRatedGames == nil && c.TeamID == ""
}

// Applicant is a user who asked to play the host
type Applicant struct {
	UserID   string    `json:"user_id"`
	Variant  Variant   `json:"variant"`
	Rating   int       `json:"rating"`
	Accepted bool      `json:"accepted"`
	JoinedAt time.Time `json:"joined_at"`
}

// PairingStatus is the state of a single game slot
type PairingStatus string

const (
	PairingOngoing  PairingStatus = "ongoing"
	PairingFinished PairingStatus = "finished"
)

// Pairing is the frozen game slot of one accepted applicant
type Pairing struct {
	Applicant  Applicant     `json:"applicant"`
	GameID     string        `json:"game_id"`
	HostColor  Color         `json:"host_color"`
	Status     PairingStatus `json:"status"`
	GameStatus GameStatus    `json:"game_status,omitempty"`
	WinnerID   string        `json:"winner_id,omitempty"`
}

// IsFinished reports whether the pairing's game has ended
func (p Pairing) IsFinished() bool {
	return p.Status == PairingFinished
}

// Event is a simultaneous exhibition: one host against many challengers
type Event struct {
	ID               string      `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt        time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
	HostID           string      `gorm:"not null;index" json:"host_id"`
	HostRating       int         `gorm:"not null;default:0" json:"host_rating"`
	HostSeenAt       *time.Time  `json:"host_seen_at"`
	Name             string      `gorm:"not null" json:"name"`
	Clock            Clock       `gorm:"embedded;embeddedPrefix:clock_" json:"clock"`
	Variants         []Variant   `gorm:"serializer:json" json:"variants"`
	Position         string      `json:"position,omitempty"`
	Color            Color       `json:"color,omitempty"`
	Text             string      `gorm:"type:text" json:"text"`
	TeamID           string      `gorm:"index" json:"team_id,omitempty"`
	Featurable       bool        `json:"featurable"`
	Conditions       Conditions  `gorm:"serializer:json" json:"conditions"`
	EstimatedStartAt *time.Time  `json:"estimated_start_at"`
	StartedAt        *time.Time  `gorm:"index" json:"started_at"`
	FinishedAt       *time.Time  `json:"finished_at"`
	Applicants       []Applicant `gorm:"serializer:json" json:"applicants"`
	Pairings         []Pairing   `gorm:"serializer:json" json:"pairings"`
	Status           EventStatus `gorm:"not null;index" json:"status"`
	// Version is bumped by every persisted rewrite of the aggregate
	Version          int64       `gorm:"not null;default:0" json:"version"`
}

// Setup holds the host-supplied parameters of an event
type Setup struct {
	Name             string     `json:"name" validate:"required,min=2,max=80"`
	Clock            Clock      `json:"clock" validate:"required"`
	Variants         []Variant  `json:"variants" validate:"required,min=1,dive,required"`
	Position         string     `json:"position,omitempty" validate:"max=120"`
	Color            Color      `json:"color,omitempty" validate:"omitempty,oneof=white black"`
	Text             string     `json:"text" validate:"max=2000"`
	TeamID           string     `json:"team_id,omitempty"`
	Featurable       bool       `json:"featurable"`
	Conditions       Conditions `json:"conditions"`
	EstimatedStartAt *time.Time `json:"estimated_start_at,omitempty"`
}

// NewEvent builds a Created event owned by host
func NewEvent(setup Setup, host *User, now time.Time) *Event {
	e := &Event{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
		HostID:    host.ID,
		Status:    StatusCreated,
	}
	e.applySetup(setup)
	e.HostRating = host.RatingFor(e.PerfType())
	e.HostSeenAt = &now
	return e
}

func (e *Event) applySetup(setup Setup) {
	e.Name = setup.Name
	e.Clock = setup.Clock
	e.Variants = append([]Variant(nil), setup.Variants...)
	e.Position = setup.Position
	e.Color = setup.Color
	e.Text = setup.Text
	e.TeamID = setup.TeamID
	e.Featurable = setup.Featurable
	e.Conditions = setup.Conditions
	e.EstimatedStartAt = setup.EstimatedStartAt
}

func (e *Event) IsCreated() bool  { return e.Status == StatusCreated }
func (e *Event) IsStarted() bool  { return e.Status == StatusStarted }
func (e *Event) IsFinished() bool { return e.Status == StatusFinished }

// HasVariant reports whether v is offered by the event
func (e *Event) HasVariant(v Variant) bool {
	for _, offered := range e.Variants {
		if offered == v {
			return true
		}
	}
	return false
}

// PerfType is the event's primary rating category
func (e *Event) PerfType() PerfType {
	if len(e.Variants) == 1 && e.Variants[0] != VariantStandard && e.Variants[0] != VariantFromPosition {
		return PerfType(e.Variants[0])
	}
	return SpeedOf(e.Clock)
}

// HasApplicant reports whether userID already applied
func (e *Event) HasApplicant(userID string) bool {
	return e.applicantIndex(userID) >= 0
}

// HasParticipant reports whether userID is an applicant or paired player
func (e *Event) HasParticipant(userID string) bool {
	if e.HasApplicant(userID) {
		return true
	}
	for _, p := range e.Pairings {
		if p.Applicant.UserID == userID {
			return true
		}
	}
	return false
}

func (e *Event) applicantIndex(userID string) int {
	for i, a := range e.Applicants {
		if a.UserID == userID {
			return i
		}
	}
	return -1
}

// ApplicantIDs lists every applicant's user id in insertion order
func (e *Event) ApplicantIDs() []string {
	ids := make([]string, 0, len(e.Applicants))
	for _, a := range e.Applicants {
		ids = append(ids, a.UserID)
	}
	return ids
}

// AcceptedCount is the number of accepted applicants
func (e *Event) AcceptedCount() int {
	n := 0
	for _, a := range e.Applicants {
		if a.Accepted {
			n++
		}
	}
	return n
}

// AcceptedApplicants returns the accepted applicants in insertion order
func (e *Event) AcceptedApplicants() []Applicant {
	var accepted []Applicant
	for _, a := range e.Applicants {
		if a.Accepted {
			accepted = append(accepted, a)
		}
	}
	return accepted
}

// CanStart is the start predicate: a host and at least one accepted applicant
func (e *Event) CanStart() bool {
	return e.IsCreated() && e.HostID != "" && e.AcceptedCount() > 0
}

// PairingByGame returns the index of the pairing backed by gameID, or -1
func (e *Event) PairingByGame(gameID string) int {
	for i, p := range e.Pairings {
		if p.GameID == gameID {
			return i
		}
	}
	return -1
}

// OngoingPairings returns the pairings whose game has not ended
func (e *Event) OngoingPairings() []Pairing {
	var ongoing []Pairing
	for _, p := range e.Pairings {
		if !p.IsFinished() {
			ongoing = append(ongoing, p)
		}
	}
	return ongoing
}

// AllPairingsFinished reports whether every pairing has ended
func (e *Event) AllPairingsFinished() bool {
	if len(e.Pairings) == 0 {
		return false
	}
	for _, p := range e.Pairings {
		if !p.IsFinished() {
			return false
		}
	}
	return true
}

// HostColorAt is the host's color in the pairing at index.
// A fixed event color wins; otherwise the host is white on even indexes.
func (e *Event) HostColorAt(index int) Color {
	if e.Color.IsValid() {
		return e.Color
	}
	if index%2 == 0 {
		return White
	}
	return Black
}

// Clone returns a deep copy, so transitions never alias the caller's slices
func (e *Event) Clone() *Event {
	c := *e
	c.Variants = append([]Variant(nil), e.Variants...)
	c.Applicants = append([]Applicant(nil), e.Applicants...)
	c.Pairings = append([]Pairing(nil), e.Pairings...)
	return &c
}
