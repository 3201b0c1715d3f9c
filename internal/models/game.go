package models

import (
	"hash/fnv"
	"strings"
	"time"
)

// Variant is a chess rule set offered by an event
type Variant string

const (
	VariantStandard      Variant = "standard"
	VariantChess960      Variant = "chess960"
	VariantCrazyhouse    Variant = "crazyhouse"
	VariantKingOfTheHill Variant = "king_of_the_hill"
	VariantThreeCheck    Variant = "three_check"
	VariantAntichess     Variant = "antichess"
	VariantAtomic        Variant = "atomic"
	VariantHorde         Variant = "horde"
	VariantRacingKings   Variant = "racing_kings"
	VariantFromPosition  Variant = "from_position"
)

const (
	StandardFEN    = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	hordeFEN       = "rnbqkbnr/pppppppp/8/1PP2PP1/PPPPPPPP/PPPPPPPP/PPPPPPPP/PPPPPPPP w kq - 0 1"
	racingKingsFEN = "8/8/8/8/8/8/krbnNBRK/qrbnNBRQ w - - 0 1"
)

// IsValid reports whether v is a known variant
func (v Variant) IsValid() bool {
	switch v {
	case VariantStandard, VariantChess960, VariantCrazyhouse, VariantKingOfTheHill,
		VariantThreeCheck, VariantAntichess, VariantAtomic, VariantHorde,
		VariantRacingKings, VariantFromPosition:
		return true
	}
	return false
}

// InitialFEN is the starting position of a new game. A fixed event position
// applies to standard and from_position games only.
func (v Variant) InitialFEN(position, gameID string) string {
	switch v {
	case VariantStandard, VariantFromPosition:
		if position != "" {
			return position
		}
		return StandardFEN
	case VariantHorde:
		return hordeFEN
	case VariantRacingKings:
		return racingKingsFEN
	case VariantChess960:
		return chess960FEN(gameID)
	}
	return StandardFEN
}

// chess960FEN derives a back rank from the game id, so a game always
// rebuilds the same position.
func chess960FEN(gameID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(gameID))
	n := int(h.Sum32() % 960)

	rank := make([]byte, 8)
	free := func(k int) int {
		for i := range rank {
			if rank[i] == 0 {
				if k == 0 {
					return i
				}
				k--
			}
		}
		return -1
	}
	rank[(n%4)*2+1] = 'b'
	n /= 4
	rank[(n%4)*2] = 'b'
	n /= 4
	rank[free(n%6)] = 'q'
	n /= 6
	knights := [10][2]int{{0, 1}, {0, 2}, {0, 3}, {0, 4}, {1, 2}, {1, 3}, {1, 4}, {2, 3}, {2, 4}, {3, 4}}[n]
	second := free(knights[1])
	rank[free(knights[0])] = 'n'
	rank[second] = 'n'
	rank[free(0)] = 'r'
	rank[free(0)] = 'k'
	rank[free(0)] = 'r'

	black := string(rank)
	white := strings.ToUpper(black)
	return black + "/pppppppp/8/8/8/8/PPPPPPPP/" + white + " w KQkq - 0 1"
}

// PerfType is a rating category
type PerfType string

const (
	PerfBullet    PerfType = "bullet"
	PerfBlitz     PerfType = "blitz"
	PerfRapid     PerfType = "rapid"
	PerfClassical PerfType = "classical"
)

// SpeedOf maps a clock to its speed category
func SpeedOf(c Clock) PerfType {
	est := c.EstimateSeconds()
	switch {
	case est < 180:
		return PerfBullet
	case est < 480:
		return PerfBlitz
	case est < 1500:
		return PerfRapid
	}
	return PerfClassical
}

// Color is a side of the board
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) IsValid() bool { return c == White || c == Black }

// Opposite returns the other side
func (c Color) Opposite() Color {
	if c == White {
		return Black
	}
	return White
}

// GameStatus mirrors the game server's status codes
type GameStatus string

const (
	GameCreated       GameStatus = "created"
	GameStarted       GameStatus = "started"
	GameAborted       GameStatus = "aborted"
	GameMate          GameStatus = "mate"
	GameResign        GameStatus = "resign"
	GameStalemate     GameStatus = "stalemate"
	GameTimeout       GameStatus = "timeout"
	GameDraw          GameStatus = "draw"
	GameOutOfTime     GameStatus = "outoftime"
	GameCheat         GameStatus = "cheat"
	GameNoStart       GameStatus = "noStart"
	GameUnknownFinish GameStatus = "unknownFinish"
	GameVariantEnd    GameStatus = "variantEnd"
)

// IsTerminal reports whether the status ends a game
func (s GameStatus) IsTerminal() bool {
	switch s {
	case "", GameCreated, GameStarted:
		return false
	}
	return true
}

// Game is a single board played inside an event
type Game struct {
	ID                string     `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	EventID           string     `gorm:"not null;index" json:"event_id"`
	WhiteID           string     `gorm:"not null" json:"white_id"`
	BlackID           string     `gorm:"not null" json:"black_id"`
	WhiteRating       int        `json:"white_rating"`
	BlackRating       int        `json:"black_rating"`
	Variant           Variant    `gorm:"not null" json:"variant"`
	InitialFEN        string     `gorm:"not null" json:"initial_fen"`
	WhiteLimitSeconds int        `gorm:"not null" json:"white_limit_seconds"`
	BlackLimitSeconds int        `gorm:"not null" json:"black_limit_seconds"`
	IncrementSeconds  int        `gorm:"not null" json:"increment_seconds"`
	Status            GameStatus `gorm:"not null" json:"status"`
	WinnerID          string     `json:"winner_id,omitempty"`
	FinishedAt        *time.Time `json:"finished_at"`
}

// IsFinished reports whether the game has reached a terminal status
func (g *Game) IsFinished() bool {
	return g.Status.IsTerminal()
}

// PlayerOf returns the user playing color
func (g *Game) PlayerOf(c Color) string {
	if c == White {
		return g.WhiteID
	}
	return g.BlackID
}
