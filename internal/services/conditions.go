package services

import (
	"context"
	"fmt"

	"example.com/backstage/simul/internal/models"
)

// RatingConditions enforces the rating, rated-games and team conditions of an event
type RatingConditions struct{}

// NewRatingConditions creates the default ConditionVerifier
func NewRatingConditions() *RatingConditions {
	return &RatingConditions{}
}

func (RatingConditions) Verify(ctx context.Context, event *models.Event, user *models.User, perf models.PerfType) Verdict {
	if user.Marked {
		return Verdict{Reason: "account is restricted"}
	}

	c := event.Conditions
	p := user.PerfFor(perf)

	if c.MinRatedGames != nil && p.RatedGames < *c.MinRatedGames {
		return Verdict{Reason: fmt.Sprintf("at least %d rated %s games required", *c.MinRatedGames, perf)}
	}
	if c.MinRating != nil && p.Rating < *c.MinRating {
		return Verdict{Reason: fmt.Sprintf("%s rating of at least %d required", perf, *c.MinRating)}
	}
	if c.MaxRating != nil && p.Rating > *c.MaxRating {
		return Verdict{Reason: fmt.Sprintf("%s rating of at most %d required", perf, *c.MaxRating)}
	}
	if c.TeamID != "" && !user.InTeam(c.TeamID) {
		return Verdict{Reason: fmt.Sprintf("must be a member of team %s", c.TeamID)}
	}

	return Verdict{Accepted: true}
}
