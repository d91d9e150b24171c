// Package command parses the chat commands the bot reacts to. All commands
// are "!"-prefixed and the vocabulary is Portuguese, matching the audience
// of the project channels.
package command

import "time"

type Kind int

const (
	KindUnknown Kind = iota
	// KindGenerateReport requests a weekly report for the channel's project.
	KindGenerateReport
	// KindShowStatus asks for the queue and worker snapshot.
	KindShowStatus
	// KindListChannels asks which channels are configured.
	KindListChannels
	// KindHelp prints the command reference.
	KindHelp
)

func (k Kind) String() string {
	switch k {
	case KindGenerateReport:
		return "generate_report"
	case KindShowStatus:
		return "show_status"
	case KindListChannels:
		return "list_channels"
	case KindHelp:
		return "help"
	default:
		return "unknown"
	}
}

// ReportParams carries the options of a report request. Zero values mean
// "use the generator's defaults".
type ReportParams struct {
	// HideDashboard omits the dashboard section from the document.
	HideDashboard bool
	// Days limits the schedule window to the last N days.
	Days int
	// Since pins the start of the reporting window.
	Since time.Time
	// Reference generates the report for the week containing this date.
	Reference time.Time
	// LastWeek asks for the most recent fully completed week; the caller
	// resolves it into Reference (see LastFullWeek).
	LastWeek bool
}

type Command struct {
	Kind   Kind
	Params ReportParams
}

// LastFullWeek returns the Monday of the most recent fully completed
// Monday-to-Sunday week before now. A non-zero cutoff replaces now, which
// keeps "última semana" pointing at the last working week during holiday
// breaks.
func LastFullWeek(now, cutoff time.Time) time.Time {
	ref := now
	if !cutoff.IsZero() && cutoff.Before(now) {
		ref = cutoff
	}
	ref = time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, ref.Location())

	// Monday of ref's week, then one week back.
	wd := int(ref.Weekday())
	if wd == 0 {
		wd = 7
	}
	monday := ref.AddDate(0, 0, -(wd - 1))
	return monday.AddDate(0, 0, -7)
}
