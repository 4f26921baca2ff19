package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Policy holds the tunable enforcement/timer/notification knobs.
//
// Set via env:
//   - DAILY_TARGET_MINUTES (default 480)
//   - LOCKOUT_THRESHOLD (default 3)
//   - ENFORCEMENT_SWEEP_SECONDS (default 45, clamped to 30..60)
//   - WORK_DAYS="1,2,3,4,5" (time.Weekday numbers, Sunday=0)
//   - GEO_TIMEOUT_MS (default 3000)
//   - LONG_RUNNING_SESSION_HOURS (default 10)
//   - NOTIFY_EMAIL_ON_DECISION (default true)
//   - NOTIFY_TOPIC, EMAIL_TOPIC, BILLING_SYNC_TOPIC
//   - DEFAULT_TIMEZONE (default UTC)
type Policy struct {
	DailyTargetMinutes    int
	LockoutThreshold      int
	SweepInterval         time.Duration
	WorkDays              []time.Weekday
	GeoTimeout            time.Duration
	LongRunningSession    time.Duration
	NotifyEmailOnDecision bool
	NotifyTopic           string
	EmailTopic            string
	BillingSyncTopic      string
	DefaultTimezone       string
}

func DefaultPolicy() Policy {
	return Policy{
		DailyTargetMinutes:    480,
		LockoutThreshold:      3,
		SweepInterval:         45 * time.Second,
		WorkDays:              []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		GeoTimeout:            3 * time.Second,
		LongRunningSession:    10 * time.Hour,
		NotifyEmailOnDecision: true,
		NotifyTopic:           "timesheet-notifications",
		EmailTopic:            "timesheet-emails",
		BillingSyncTopic:      "timesheet-billing-sync",
		DefaultTimezone:       "UTC",
	}
}

func LoadPolicy() Policy {
	p := DefaultPolicy()
	p.DailyTargetMinutes = intFromEnv("DAILY_TARGET_MINUTES", p.DailyTargetMinutes)
	p.LockoutThreshold = intFromEnv("LOCKOUT_THRESHOLD", p.LockoutThreshold)

	sweep := intFromEnv("ENFORCEMENT_SWEEP_SECONDS", int(p.SweepInterval/time.Second))
	if sweep < 30 {
		sweep = 30
	}
	if sweep > 60 {
		sweep = 60
	}
	p.SweepInterval = time.Duration(sweep) * time.Second

	if days := parseWeekdays(os.Getenv("WORK_DAYS")); len(days) > 0 {
		p.WorkDays = days
	}
	p.GeoTimeout = time.Duration(intFromEnv("GEO_TIMEOUT_MS", int(p.GeoTimeout/time.Millisecond))) * time.Millisecond
	p.LongRunningSession = time.Duration(intFromEnv("LONG_RUNNING_SESSION_HOURS", int(p.LongRunningSession/time.Hour))) * time.Hour
	p.NotifyEmailOnDecision = boolFromEnv("NOTIFY_EMAIL_ON_DECISION", p.NotifyEmailOnDecision)
	p.NotifyTopic = stringFromEnv("NOTIFY_TOPIC", p.NotifyTopic)
	p.EmailTopic = stringFromEnv("EMAIL_TOPIC", p.EmailTopic)
	p.BillingSyncTopic = stringFromEnv("BILLING_SYNC_TOPIC", p.BillingSyncTopic)
	p.DefaultTimezone = stringFromEnv("DEFAULT_TIMEZONE", p.DefaultTimezone)
	return p
}

// IsWorkDay reports whether d counts toward the daily logging target.
func (p Policy) IsWorkDay(d time.Weekday) bool {
	for _, w := range p.WorkDays {
		if w == d {
			return true
		}
	}
	return false
}

func stringFromEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseWeekdays(raw string) []time.Weekday {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var days []time.Weekday
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 || n > 6 {
			continue
		}
		days = append(days, time.Weekday(n))
	}
	return days
}
