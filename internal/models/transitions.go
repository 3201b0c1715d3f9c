package models

import "time"

// The functions below compute the next state of an event without side effects.
// Each returns a fresh copy; the input is left untouched.

// WithSetup replaces the mutable fields of a Created event and drops
// applicants whose variant is no longer offered.
func WithSetup(e *Event, setup Setup) *Event {
	next := e.Clone()
	next.applySetup(setup)
	kept := next.Applicants[:0]
	for _, a := range next.Applicants {
		if next.HasVariant(a.Variant) {
			kept = append(kept, a)
		}
	}
	next.Applicants = kept
	return next
}

// WithApplicant appends an unaccepted applicant. Re-applying is a no-op.
func WithApplicant(e *Event, a Applicant) *Event {
	next := e.Clone()
	if next.HasApplicant(a.UserID) {
		return next
	}
	a.Accepted = false
	next.Applicants = append(next.Applicants, a)
	return next
}

// WithoutApplicant removes userID from the applicants
func WithoutApplicant(e *Event, userID string) *Event {
	next := e.Clone()
	if i := next.applicantIndex(userID); i >= 0 {
		next.Applicants = append(next.Applicants[:i], next.Applicants[i+1:]...)
	}
	return next
}

// WithoutApplicants removes every listed user from the applicants
func WithoutApplicants(e *Event, userIDs []string) *Event {
	drop := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		drop[id] = struct{}{}
	}
	next := e.Clone()
	kept := next.Applicants[:0]
	for _, a := range next.Applicants {
		if _, ok := drop[a.UserID]; !ok {
			kept = append(kept, a)
		}
	}
	next.Applicants = kept
	return next
}

// WithAcceptance sets the acceptance flag of userID. Accepting beyond
// maxAccepted leaves the event unchanged and reports false.
func WithAcceptance(e *Event, userID string, accepted bool, maxAccepted int) (*Event, bool) {
	next := e.Clone()
	i := next.applicantIndex(userID)
	if i < 0 {
		return next, false
	}
	if accepted && !next.Applicants[i].Accepted && next.AcceptedCount() >= maxAccepted {
		return next, false
	}
	next.Applicants[i].Accepted = accepted
	return next, true
}

// WithHostSeen records host liveness
func WithHostSeen(e *Event, at time.Time) *Event {
	next := e.Clone()
	next.HostSeenAt = &at
	return next
}

// WithText replaces the description
func WithText(e *Event, text string) *Event {
	next := e.Clone()
	next.Text = text
	return next
}

// Started freezes the accepted applicants into ongoing pairings, one per
// game id, in applicant insertion order.
func Started(e *Event, gameIDs []string, at time.Time) *Event {
	next := e.Clone()
	accepted := next.AcceptedApplicants()
	next.Pairings = make([]Pairing, 0, len(accepted))
	for i, a := range accepted {
		next.Pairings = append(next.Pairings, Pairing{
			Applicant: a,
			GameID:    gameIDs[i],
			HostColor: next.HostColorAt(i),
			Status:    PairingOngoing,
		})
	}
	next.Status = StatusStarted
	next.StartedAt = &at
	return next
}

// WithFinishedPairing marks the pairing backed by gameID as finished.
// The first result recorded for a pairing wins; the second return value
// reports whether anything changed.
func WithFinishedPairing(e *Event, gameID string, status GameStatus, winnerID string) (*Event, bool) {
	next := e.Clone()
	i := next.PairingByGame(gameID)
	if i < 0 || next.Pairings[i].IsFinished() {
		return next, false
	}
	next.Pairings[i].Status = PairingFinished
	next.Pairings[i].GameStatus = status
	next.Pairings[i].WinnerID = winnerID
	return next, true
}

// Finished moves a Started event whose pairings have all ended to Finished
func Finished(e *Event, at time.Time) *Event {
	next := e.Clone()
	next.Status = StatusFinished
	next.FinishedAt = &at
	return next
}
