package extractor

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Deadline resolution turns a bilingual cue into a concrete date relative to
// the message's received time. Resolution is best-effort: an unresolvable cue
// leaves Due empty while the deadline feature still fires.

var (
	explicitDateRe = regexp.MustCompile(`(?i)(?:до|к|не позднее|by|before)\s+(\d{1,2})[./](\d{1,2})(?:[./](\d{2,4}))?`)
	weekdayRuRe    = regexp.MustCompile(`(?i)(?:до|к)\s+(понедельника|вторника|среды|четверга|пятницы|субботы|воскресенья)`)
	weekdayEnRe    = regexp.MustCompile(`(?i)\b(?:by|before|on)\s+(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	relativeRe     = regexp.MustCompile(`(?i)(послезавтра|завтра|сегодня)`)
	relativeEnRe   = regexp.MustCompile(`(?i)\b(today|tomorrow)\b`)
	eodRe          = regexp.MustCompile(`(?i)\b(EOD|end of day)\b|кон(?:ец|ца|це) дня`)
)

var weekdayRu = map[string]time.Weekday{
	"понедельника": time.Monday,
	"вторника":     time.Tuesday,
	"среды":        time.Wednesday,
	"четверга":     time.Thursday,
	"пятницы":      time.Friday,
	"субботы":      time.Saturday,
	"воскресенья":  time.Sunday,
}

var weekdayEn = map[string]time.Weekday{
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
	"sunday":    time.Sunday,
}

// ResolveDeadline extracts a due date from text, relative to ref. The second
// return reports whether a date was resolved.
func ResolveDeadline(text string, ref time.Time) (time.Time, bool) {
	ref = ref.UTC()

	if m := explicitDateRe.FindStringSubmatch(text); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		if month >= 1 && month <= 12 && day >= 1 && day <= 31 {
			year := ref.Year()
			if m[3] != "" {
				if y, err := strconv.Atoi(m[3]); err == nil {
					if y < 100 {
						y += 2000
					}
					year = y
				}
			}
			due := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
			// A passed date without an explicit year means next year.
			if m[3] == "" && due.Before(ref.Truncate(24*time.Hour)) {
				due = due.AddDate(1, 0, 0)
			}
			return due, true
		}
	}

	if m := weekdayRuRe.FindStringSubmatch(text); m != nil {
		return nextWeekday(ref, weekdayRu[strings.ToLower(m[1])]), true
	}
	if m := weekdayEnRe.FindStringSubmatch(text); m != nil {
		return nextWeekday(ref, weekdayEn[strings.ToLower(m[1])]), true
	}

	if m := relativeRe.FindStringSubmatch(text); m != nil {
		switch strings.ToLower(m[1]) {
		case "сегодня":
			return midnight(ref), true
		case "завтра":
			return midnight(ref).AddDate(0, 0, 1), true
		case "послезавтра":
			return midnight(ref).AddDate(0, 0, 2), true
		}
	}
	if m := relativeEnRe.FindStringSubmatch(text); m != nil {
		if strings.EqualFold(m[1], "today") {
			return midnight(ref), true
		}
		return midnight(ref).AddDate(0, 0, 1), true
	}

	if eodRe.MatchString(text) {
		return midnight(ref), true
	}

	return time.Time{}, false
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// nextWeekday returns the upcoming occurrence of w strictly after ref's day
// when ref already is that weekday, otherwise the next one.
func nextWeekday(ref time.Time, w time.Weekday) time.Time {
	d := midnight(ref)
	delta := (int(w) - int(d.Weekday()) + 7) % 7
	if delta == 0 {
		delta = 7
	}
	return d.AddDate(0, 0, delta)
}
