package service

import (
	"strings"

	"github.com/smallbiznis/referralpool/internal/config"
	riskdomain "github.com/smallbiznis/referralpool/internal/risk/domain"
)

const maxScore = 100

// Score is deterministic: the same signals and rules always give the same result.
func Score(signals riskdomain.Signals, rules config.RiskRules) riskdomain.Result {
	weight := func(flag riskdomain.Flag) int {
		if w, ok := rules.Weights[string(flag)]; ok {
			return w
		}
		return config.DefaultCommissionConfig().Risk.Weights[string(flag)]
	}

	var flags []riskdomain.Flag
	score := 0
	raise := func(flag riskdomain.Flag) {
		flags = append(flags, flag)
		score += weight(flag)
	}

	if sameNonEmpty(signals.ReferrerID, signals.ReferredID) {
		raise(riskdomain.FlagSelfReferral)
	}
	if sameNonEmpty(signals.ReferrerIP, signals.ReferredIP) {
		raise(riskdomain.FlagDuplicateIP)
	}
	if sameNonEmpty(signals.ReferrerDevice, signals.ReferredDevice) {
		raise(riskdomain.FlagSameDevice)
	}
	if rules.VolumeThreshold > 0 && signals.RecentReferrals > int64(rules.VolumeThreshold) {
		raise(riskdomain.FlagSuspiciousVolume)
	}
	if signals.ReferredSignupAt != nil && signals.ConvertedAt != nil {
		age := signals.ConvertedAt.Sub(*signals.ReferredSignupAt)
		if rules.MinAccountAge > 0 && age < rules.MinAccountAge {
			raise(riskdomain.FlagAccountAge)
		}
		if rules.MinConversionDelay > 0 && age < rules.MinConversionDelay {
			raise(riskdomain.FlagShortTimeframe)
		}
	}

	if score > maxScore {
		score = maxScore
	}
	if score < 0 {
		score = 0
	}
	level := LevelFor(score)
	return riskdomain.Result{
		Score:  score,
		Level:  level,
		Action: ActionFor(level),
		Flags:  flags,
	}
}

func LevelFor(score int) riskdomain.Level {
	switch {
	case score >= 80:
		return riskdomain.LevelCritical
	case score >= 55:
		return riskdomain.LevelHigh
	case score >= 25:
		return riskdomain.LevelMedium
	default:
		return riskdomain.LevelLow
	}
}

func ActionFor(level riskdomain.Level) riskdomain.Action {
	switch level {
	case riskdomain.LevelCritical:
		return riskdomain.ActionAutoReject
	case riskdomain.LevelHigh:
		return riskdomain.ActionHoldPayout
	case riskdomain.LevelMedium:
		return riskdomain.ActionFlagForReview
	default:
		return riskdomain.ActionNone
	}
}

func sameNonEmpty(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}
