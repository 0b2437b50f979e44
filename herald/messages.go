package herald

import (
	"fmt"
	"time"

	"github.com/onnwee/stream-herald/db"
)

const displayLayout = "Jan 2, 3:04 PM MST"

// ScheduledMessage announces a new or moved livestream.
func ScheduledMessage(ls db.Livestream, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf("[%s] will livestream on %s - [%s]", ls.Author, ls.ScheduledStart.In(loc).Format(displayLayout), ls.URL)
}

// ReminderMessage warns that a livestream starts in lead.
func ReminderMessage(ls db.Livestream, lead time.Duration) string {
	return fmt.Sprintf("[%s] goes live in %s: %s - %s", ls.Author, humanLead(lead), ls.Title, ls.URL)
}

// LiveMessage announces the scheduled start.
func LiveMessage(ls db.Livestream) string {
	return fmt.Sprintf("[%s] Livestream starting! %s", ls.Author, ls.URL)
}

func humanLead(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	case d >= time.Minute && d%time.Minute == 0:
		return plural(int(d/time.Minute), "minute")
	default:
		return d.String()
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
