package service

import (
	"testing"
	"time"

	"github.com/smallbiznis/referralpool/internal/config"
	riskdomain "github.com/smallbiznis/referralpool/internal/risk/domain"
	"github.com/stretchr/testify/assert"
)

func TestScore(t *testing.T) {
	rules := config.DefaultCommissionConfig().Risk
	signup := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	fast := signup.Add(2 * time.Minute)
	slowish := signup.Add(30 * time.Minute)
	late := signup.Add(48 * time.Hour)

	tests := []struct {
		name   string
		in     riskdomain.Signals
		score  int
		level  riskdomain.Level
		action riskdomain.Action
		flags  []riskdomain.Flag
	}{
		{
			name:   "clean",
			in:     riskdomain.Signals{Subject: riskdomain.Subject{ReferrerID: "a", ReferredID: "b", ReferrerIP: "1.1.1.1", ReferredIP: "2.2.2.2", ReferredSignupAt: &signup, ConvertedAt: &late}},
			level:  riskdomain.LevelLow,
			action: riskdomain.ActionNone,
		},
		{
			name:   "self referral and duplicate ip",
			in:     riskdomain.Signals{Subject: riskdomain.Subject{ReferrerID: "a", ReferredID: "a", ReferrerIP: "1.1.1.1", ReferredIP: "1.1.1.1"}},
			score:  85,
			level:  riskdomain.LevelCritical,
			action: riskdomain.ActionAutoReject,
			flags:  []riskdomain.Flag{riskdomain.FlagSelfReferral, riskdomain.FlagDuplicateIP},
		},
		{
			name:   "duplicate ip only",
			in:     riskdomain.Signals{Subject: riskdomain.Subject{ReferrerID: "a", ReferredID: "b", ReferrerIP: "1.1.1.1", ReferredIP: "1.1.1.1"}},
			score:  25,
			level:  riskdomain.LevelMedium,
			action: riskdomain.ActionFlagForReview,
			flags:  []riskdomain.Flag{riskdomain.FlagDuplicateIP},
		},
		{
			name:   "self referral only",
			in:     riskdomain.Signals{Subject: riskdomain.Subject{ReferrerID: "a", ReferredID: "a"}},
			score:  60,
			level:  riskdomain.LevelHigh,
			action: riskdomain.ActionHoldPayout,
			flags:  []riskdomain.Flag{riskdomain.FlagSelfReferral},
		},
		{
			name:   "young account",
			in:     riskdomain.Signals{Subject: riskdomain.Subject{ReferrerID: "a", ReferredID: "b", ReferredSignupAt: &signup, ConvertedAt: &slowish}},
			score:  15,
			level:  riskdomain.LevelLow,
			action: riskdomain.ActionNone,
			flags:  []riskdomain.Flag{riskdomain.FlagAccountAge},
		},
		{
			name:   "instant conversion with volume",
			in:     riskdomain.Signals{Subject: riskdomain.Subject{ReferrerID: "a", ReferredID: "b", ReferredSignupAt: &signup, ConvertedAt: &fast}, RecentReferrals: 11},
			score:  50,
			level:  riskdomain.LevelMedium,
			action: riskdomain.ActionFlagForReview,
			flags:  []riskdomain.Flag{riskdomain.FlagSuspiciousVolume, riskdomain.FlagAccountAge, riskdomain.FlagShortTimeframe},
		},
		{
			name: "clamped",
			in: riskdomain.Signals{Subject: riskdomain.Subject{
				ReferrerID: "a", ReferredID: "a", ReferrerIP: "ip", ReferredIP: "ip", ReferrerDevice: "d", ReferredDevice: "d",
				ReferredSignupAt: &signup, ConvertedAt: &fast,
			}, RecentReferrals: 50},
			score:  100,
			level:  riskdomain.LevelCritical,
			action: riskdomain.ActionAutoReject,
			flags: []riskdomain.Flag{
				riskdomain.FlagSelfReferral, riskdomain.FlagDuplicateIP, riskdomain.FlagSameDevice,
				riskdomain.FlagSuspiciousVolume, riskdomain.FlagAccountAge, riskdomain.FlagShortTimeframe,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.in, rules)
			assert.Equal(t, tt.score, got.Score)
			assert.Equal(t, tt.level, got.Level)
			assert.Equal(t, tt.action, got.Action)
			assert.Equal(t, tt.flags, got.Flags)
			assert.Equal(t, got, Score(tt.in, rules))
		})
	}
}

func TestVolumeAtThresholdIsNotSuspicious(t *testing.T) {
	rules := config.DefaultCommissionConfig().Risk
	got := Score(riskdomain.Signals{Subject: riskdomain.Subject{ReferrerID: "a", ReferredID: "b"}, RecentReferrals: int64(rules.VolumeThreshold)}, rules)
	assert.Empty(t, got.Flags)
}

func TestLevelBoundaries(t *testing.T) {
	assert.Equal(t, riskdomain.LevelLow, LevelFor(24))
	assert.Equal(t, riskdomain.LevelMedium, LevelFor(25))
	assert.Equal(t, riskdomain.LevelMedium, LevelFor(54))
	assert.Equal(t, riskdomain.LevelHigh, LevelFor(55))
	assert.Equal(t, riskdomain.LevelHigh, LevelFor(79))
	assert.Equal(t, riskdomain.LevelCritical, LevelFor(80))
}
