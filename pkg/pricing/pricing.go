// Package pricing computes the credit cost of a karaoke rendering job from
// its attributes. Estimation is pure: deterministic, no I/O, no clock.
package pricing

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidInput marks malformed estimator input, a caller bug.
var ErrInvalidInput = errors.New("invalid estimator input")

// Platform is the rendering target of a job.
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformTikTok    Platform = "tiktok"
	PlatformShorts    Platform = "shorts"
	PlatformInstagram Platform = "instagram"
)

// ParsePlatform validates a raw platform string.
func ParsePlatform(raw string) (Platform, error) {
	platform := Platform(strings.ToLower(strings.TrimSpace(raw)))
	switch platform {
	case PlatformYouTube, PlatformTikTok, PlatformShorts, PlatformInstagram:
		return platform, nil
	}
	return "", fmt.Errorf("%w: unknown platform %q", ErrInvalidInput, raw)
}

// String returns the platform as stored.
func (platform Platform) String() string {
	return string(platform)
}

// Schedule is the rate card. Cost is assembled as
//
//	base + perMinute*ceil(duration/60) + perExtraLanguage*(languages-1)
//
// scaled by the platform percent multiplier and floored at one credit.
type Schedule struct {
	BaseCredits               int64
	CreditsPerMinute          int64
	CreditsPerExtraLanguage   int64
	PlatformMultiplierPercent map[Platform]int64
}

// DefaultSchedule returns the rate card used when no override is configured:
// 5 base credits, 1 credit per started minute, 3 credits per target language
// beyond the first, and a 150% multiplier for full-resolution YouTube output.
func DefaultSchedule() Schedule {
	return Schedule{
		BaseCredits:             5,
		CreditsPerMinute:        1,
		CreditsPerExtraLanguage: 3,
		PlatformMultiplierPercent: map[Platform]int64{
			PlatformYouTube:   150,
			PlatformTikTok:    100,
			PlatformShorts:    100,
			PlatformInstagram: 100,
		},
	}
}

// EstimateCost maps job attributes to a strictly positive credit cost.
func (schedule Schedule) EstimateCost(durationSeconds int64, targetLanguageCount int, platform Platform) (int64, error) {
	if durationSeconds <= 0 {
		return 0, fmt.Errorf("%w: duration %d seconds", ErrInvalidInput, durationSeconds)
	}
	if targetLanguageCount < 1 {
		return 0, fmt.Errorf("%w: target language count %d", ErrInvalidInput, targetLanguageCount)
	}
	multiplierPercent, known := schedule.PlatformMultiplierPercent[platform]
	if !known || multiplierPercent <= 0 {
		return 0, fmt.Errorf("%w: unknown platform %q", ErrInvalidInput, platform)
	}
	startedMinutes := (durationSeconds + 59) / 60
	raw := schedule.BaseCredits +
		schedule.CreditsPerMinute*startedMinutes +
		schedule.CreditsPerExtraLanguage*int64(targetLanguageCount-1)
	cost := raw * multiplierPercent / 100
	if cost < 1 {
		cost = 1
	}
	return cost, nil
}
