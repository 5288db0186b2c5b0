// Package timeparse turns free-text and numeric scheduling replies into a
// concrete future timestamp. Parse is total: every input, including empty
// and garbage text, yields a scheduled time and a tagged intent. A session
// must never be left unscheduled, so unrecognized input falls back to
// +30 minutes and an internal parsing failure falls back to +5 minutes.
package timeparse

import (
	"bytes"
	_ "embed"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Intent tags the interpretation applied to a scheduling reply.
type Intent string

const (
	IntentImmediate             Intent = "immediate"
	IntentThirtyMinutes         Intent = "thirty_minutes"
	IntentOneHour               Intent = "one_hour"
	IntentSpecificTime          Intent = "specific_time"
	IntentSpecificTimeRequested Intent = "specific_time_requested"
	IntentFallback              Intent = "fallback"
	IntentErrorFallback         Intent = "error_fallback"
)

// Result is the outcome of parsing one scheduling reply.
type Result struct {
	When   time.Time
	Intent Intent
}

//go:embed locales.yaml
var localesYAML []byte

// localeTable holds the free-text synonyms for one locale.
type localeTable struct {
	Name          string   `yaml:"name"`
	Now           []string `yaml:"now"`
	ThirtyMinutes []string `yaml:"thirty_minutes"`
	OneHour       []string `yaml:"one_hour"`
}

type localeFile struct {
	Locales []localeTable `yaml:"locales"`
}

var locales []localeTable

func init() {
	var f localeFile
	decoder := yaml.NewDecoder(bytes.NewReader(localesYAML))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		panic("timeparse: invalid embedded locale table: " + err.Error())
	}
	locales = f.Locales
}

// clockRe matches explicit times: "15:30", "3:30 pm", "9 am".
var clockRe = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)

// Parse interprets a scheduling reply relative to now. It never panics
// outward and never returns a past time.
func Parse(text string, now time.Time) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{When: now.Add(5 * time.Minute), Intent: IntentErrorFallback}
		}
	}()

	normalized := strings.ToLower(strings.TrimSpace(text))

	// Numeric shortcuts from the scheduling prompt.
	switch normalized {
	case "1":
		return Result{When: now.Add(2 * time.Minute), Intent: IntentImmediate}
	case "2":
		return Result{When: now.Add(30 * time.Minute), Intent: IntentThirtyMinutes}
	case "3":
		return Result{When: now.Add(60 * time.Minute), Intent: IntentOneHour}
	case "4":
		// The caller re-prompts for a clock time; the placeholder keeps
		// the session schedulable if the contributor goes silent.
		return Result{When: now.Add(30 * time.Minute), Intent: IntentSpecificTimeRequested}
	}

	for _, locale := range locales {
		if matchesAny(normalized, locale.Now) {
			return Result{When: now.Add(2 * time.Minute), Intent: IntentImmediate}
		}
		if matchesAny(normalized, locale.ThirtyMinutes) {
			return Result{When: now.Add(30 * time.Minute), Intent: IntentThirtyMinutes}
		}
		if matchesAny(normalized, locale.OneHour) {
			return Result{When: now.Add(60 * time.Minute), Intent: IntentOneHour}
		}
	}

	if when, ok := parseClock(normalized, now); ok {
		return Result{When: when, Intent: IntentSpecificTime}
	}

	return Result{When: now.Add(30 * time.Minute), Intent: IntentFallback}
}

func matchesAny(text string, synonyms []string) bool {
	for _, s := range synonyms {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// parseClock handles explicit times with 12->24 hour conversion. A time
// already past today rolls forward one day.
func parseClock(text string, now time.Time) (time.Time, bool) {
	m := clockRe.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}
	// A bare number with no minutes and no meridiem is ambiguous with
	// the numeric shortcuts; require one or the other.
	if m[2] == "" && m[3] == "" {
		return time.Time{}, false
	}

	hour, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, false
	}
	minute := 0
	if m[2] != "" {
		minute, err = strconv.Atoi(m[2])
		if err != nil {
			return time.Time{}, false
		}
	}

	switch m[3] {
	case "pm":
		if hour < 1 || hour > 12 {
			return time.Time{}, false
		}
		if hour != 12 {
			hour += 12
		}
	case "am":
		if hour < 1 || hour > 12 {
			return time.Time{}, false
		}
		if hour == 12 {
			hour = 0
		}
	default:
		if hour > 23 {
			return time.Time{}, false
		}
	}
	if minute > 59 {
		return time.Time{}, false
	}

	when := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !when.After(now) {
		when = when.AddDate(0, 0, 1)
	}
	return when, true
}
