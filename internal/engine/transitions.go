package engine

import (
	"bountyhub/internal/apperr"
	"bountyhub/internal/domain"
)

// statusRemoved is the pseudo-state reached by delete. It is never stored.
const statusRemoved domain.Status = "removed"

type transition struct {
	from domain.Status
	cmd  domain.Command
	to   domain.Status
}

// transitions is the complete bounty state machine. Reject is defined so the
// machine is total over the status enum, but no command exposes it.
var transitions = []transition{
	{domain.StatusOpen, domain.CmdAssign, domain.StatusInProgress},
	{domain.StatusOpen, domain.CmdDelete, statusRemoved},
	{domain.StatusInProgress, domain.CmdRelease, domain.StatusOpen},
	{domain.StatusInProgress, domain.CmdComplete, domain.StatusCompleted},
	{domain.StatusCompleted, domain.CmdApprove, domain.StatusApproved},
	{domain.StatusCompleted, domain.CmdReject, domain.StatusRejected},
	{domain.StatusApproved, domain.CmdPay, domain.StatusPaid},
}

var notAllowedReason = map[domain.Command]string{
	domain.CmdAssign:   "not_open",
	domain.CmdDelete:   "not_open",
	domain.CmdRelease:  "not_in_progress",
	domain.CmdComplete: "not_in_progress",
	domain.CmdApprove:  "not_completed",
	domain.CmdReject:   "not_completed",
	domain.CmdPay:      "not_approved",
}

// Next returns the status reached by applying cmd in from.
func Next(from domain.Status, cmd domain.Command) (domain.Status, error) {
	for _, t := range transitions {
		if t.from == from && t.cmd == cmd {
			return t.to, nil
		}
	}
	reason := notAllowedReason[cmd]
	if reason == "" {
		reason = "invalid_transition"
	}
	return "", apperr.Newf(apperr.InvalidState, reason, "cannot %s a bounty in status %s", cmd, from)
}

// StatusCommand maps an update's target status to the transition it
// requests. Only complete and approve are reachable through an update.
func StatusCommand(target domain.Status) (domain.Command, bool) {
	switch target {
	case domain.StatusCompleted:
		return domain.CmdComplete, true
	case domain.StatusApproved:
		return domain.CmdApprove, true
	}
	return "", false
}

// SourceStatus returns the only status from which cmd is legal.
func SourceStatus(cmd domain.Command) (domain.Status, bool) {
	for _, t := range transitions {
		if t.cmd == cmd {
			return t.from, true
		}
	}
	return "", false
}
