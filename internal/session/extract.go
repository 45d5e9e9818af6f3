package session

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	minTriggerLength = 10
	maxTriggerLength = 200
)

// A standalone 1-10 not embedded in a longer number or decimal.
var intensityPattern = regexp.MustCompile(`(?:^|[^\d.])(10|[1-9])(?:$|[^\d.]|\.(?:$|\D))`)

// ExtractIntensity returns the first bare integer between 1 and 10 in text.
func ExtractIntensity(text string) (int, bool) {
	match := intensityPattern.FindStringSubmatch(text)
	if match == nil {
		return 0, false
	}
	score, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return score, true
}

// ExtractTrigger returns text as the trigger description when none is known
// yet and it reads like a sentence.
func ExtractTrigger(text, prior string) (string, bool) {
	if prior != "" {
		return "", false
	}
	trimmed := strings.TrimSpace(text)
	n := len([]rune(trimmed))
	if n < minTriggerLength || n > maxTriggerLength {
		return "", false
	}
	return trimmed, true
}

// ComputeReduction derives the exercise outcome figures.
func ComputeReduction(pre, post, minutesPerPoint int) (reduction, percent, minutes int) {
	reduction = pre - post
	if pre > 0 {
		percent = int(math.Round(float64(reduction) / float64(pre) * 100))
	}
	if reduction > 0 {
		minutes = reduction * minutesPerPoint
	}
	return reduction, percent, minutes
}

// DayPeriod labels t as morning, afternoon or evening by its hour.
func DayPeriod(t time.Time) string {
	switch hour := t.Hour(); {
	case hour < 12:
		return "morning"
	case hour < 17:
		return "afternoon"
	default:
		return "evening"
	}
}

func validScore(score int) bool {
	return score >= 1 && score <= 10
}
