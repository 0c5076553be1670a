package pricing

import (
	"errors"
	"testing"
)

func TestEstimateCost(test *testing.T) {
	test.Parallel()
	schedule := DefaultSchedule()
	testCases := []struct {
		name            string
		durationSeconds int64
		languages       int
		platform        Platform
		wantCost        int64
	}{
		{name: "three minute tiktok single language", durationSeconds: 180, languages: 1, platform: PlatformTikTok, wantCost: 8},
		{name: "partial minute rounds up", durationSeconds: 181, languages: 1, platform: PlatformTikTok, wantCost: 9},
		{name: "extra languages add per-language fee", durationSeconds: 180, languages: 3, platform: PlatformTikTok, wantCost: 14},
		{name: "youtube applies multiplier", durationSeconds: 180, languages: 1, platform: PlatformYouTube, wantCost: 12},
		{name: "one second still costs a full minute", durationSeconds: 1, languages: 1, platform: PlatformShorts, wantCost: 6},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			cost, err := schedule.EstimateCost(testCase.durationSeconds, testCase.languages, testCase.platform)
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if cost != testCase.wantCost {
				test.Fatalf("expected %d credits, got %d", testCase.wantCost, cost)
			}
		})
	}
}

func TestEstimateCostIsDeterministic(test *testing.T) {
	test.Parallel()
	schedule := DefaultSchedule()
	first, err := schedule.EstimateCost(247, 2, PlatformInstagram)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	for index := 0; index < 10; index++ {
		again, err := schedule.EstimateCost(247, 2, PlatformInstagram)
		if err != nil {
			test.Fatalf("unexpected error: %v", err)
		}
		if again != first {
			test.Fatalf("expected %d every time, got %d", first, again)
		}
	}
}

func TestEstimateCostRejectsInvalidInput(test *testing.T) {
	test.Parallel()
	schedule := DefaultSchedule()
	testCases := []struct {
		name            string
		durationSeconds int64
		languages       int
		platform        Platform
	}{
		{name: "zero duration", durationSeconds: 0, languages: 1, platform: PlatformTikTok},
		{name: "negative duration", durationSeconds: -30, languages: 1, platform: PlatformTikTok},
		{name: "zero languages", durationSeconds: 60, languages: 0, platform: PlatformTikTok},
		{name: "unknown platform", durationSeconds: 60, languages: 1, platform: Platform("vimeo")},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := schedule.EstimateCost(testCase.durationSeconds, testCase.languages, testCase.platform)
			if !errors.Is(err, ErrInvalidInput) {
				test.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestEstimateCostFloorsAtOneCredit(test *testing.T) {
	test.Parallel()
	schedule := Schedule{
		BaseCredits:               0,
		CreditsPerMinute:          0,
		CreditsPerExtraLanguage:   0,
		PlatformMultiplierPercent: map[Platform]int64{PlatformTikTok: 100},
	}
	cost, err := schedule.EstimateCost(60, 1, PlatformTikTok)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if cost != 1 {
		test.Fatalf("expected floor of 1 credit, got %d", cost)
	}
}

func TestParsePlatform(test *testing.T) {
	test.Parallel()
	platform, err := ParsePlatform("  YouTube ")
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if platform != PlatformYouTube {
		test.Fatalf("expected youtube, got %q", platform)
	}
	if _, err := ParsePlatform("vimeo"); !errors.Is(err, ErrInvalidInput) {
		test.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
