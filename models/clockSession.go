package models

import (
	"fmt"
	"time"
)

type GeoLocation struct {
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	Accuracy   float64    `json:"accuracy"`
	Address    string     `gorm:"size:255" json:"address"`
	CapturedAt *time.Time `json:"captured_at"`
}

func (g GeoLocation) IsZero() bool {
	return g.CapturedAt == nil
}

type ClockSession struct {
	ID                      int         `gorm:"primary_key" json:"id"`
	TenantId                string      `gorm:"size:64;index;not null" json:"tenant_id"`
	UserId                  int         `gorm:"index;not null" json:"user_id"`
	ProjectId               int         `gorm:"index" json:"project_id"`
	TaskId                  int         `json:"task_id"`
	MilestoneId             int         `json:"milestone_id"`
	WorkType                WorkType    `gorm:"size:20" json:"work_type"`
	StartedAt               time.Time   `gorm:"not null" json:"started_at"`
	StoppedAt               *time.Time  `json:"stopped_at"`
	IsPaused                bool        `gorm:"not null;default:false" json:"is_paused"`
	PausedAt                *time.Time  `json:"paused_at"`
	AccumulatedPauseSeconds int64       `gorm:"not null;default:0" json:"accumulated_pause_seconds"`
	PauseCount              int         `gorm:"not null;default:0" json:"pause_count"`
	StartLocation           GeoLocation `gorm:"embedded;embeddedPrefix:start_" json:"start_location"`
	StopLocation            GeoLocation `gorm:"embedded;embeddedPrefix:stop_" json:"stop_location"`
	ResultingEntryId        int         `gorm:"index" json:"resulting_entry_id"`
	IsDiscarded             bool        `gorm:"not null;default:false" json:"is_discarded"`
	// ActiveKey is set while the session runs and cleared on close; its unique index
	// is the storage-level guarantee of one running timer per user.
	ActiveKey *string   `gorm:"size:100;uniqueIndex:uniq_active_session" json:"-"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type StartInput struct {
	ProjectId   int      `json:"project_id" validate:"required,gt=0"`
	TaskId      int      `json:"task_id" validate:"required,gt=0"`
	MilestoneId int      `json:"milestone_id" validate:"gte=0"`
	WorkType    WorkType `json:"work_type" validate:"required"`
}

type StopInput struct {
	Remark     string `json:"remark" validate:"max=2000"`
	IsBillable *bool  `json:"is_billable"`
}

func ActiveSessionKey(tenantId string, userId int) string {
	return fmt.Sprintf("%s:%d", tenantId, userId)
}

func (s *ClockSession) IsActive() bool {
	return s.StoppedAt == nil
}

// PausedSecondsAt is the total paused time as of now, including a pause still in progress.
func (s *ClockSession) PausedSecondsAt(now time.Time) int64 {
	total := s.AccumulatedPauseSeconds
	if s.IsPaused && s.PausedAt != nil && now.After(*s.PausedAt) {
		total += int64(now.Sub(*s.PausedAt) / time.Second)
	}
	return total
}

// Elapsed is reconstructed from wall-clock timestamps only:
// now - startedAt - accumulatedPause - (current pause if paused).
func (s *ClockSession) Elapsed(now time.Time) time.Duration {
	end := now
	if s.StoppedAt != nil {
		end = *s.StoppedAt
	}
	elapsed := end.Sub(s.StartedAt) - time.Duration(s.PausedSecondsAt(end))*time.Second
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// TotalMinutes is the whole minutes worked as of now.
func (s *ClockSession) TotalMinutes(now time.Time) int {
	return int(s.Elapsed(now) / time.Minute)
}

// DayShare is the part of a session's worked minutes booked on one calendar day.
type DayShare struct {
	Date    time.Time
	Minutes int
}

// SplitByDay books the worked minutes onto the calendar days (in loc) the session spans.
// Days are filled in order up to their wall-clock share, so paused time lands on the latest days.
// The shares always sum to TotalMinutes unless a single day would exceed MaxEntryMinutes.
func (s *ClockSession) SplitByDay(now time.Time, loc *time.Location) []DayShare {
	end := now
	if s.StoppedAt != nil {
		end = *s.StoppedAt
	}
	remaining := s.TotalMinutes(now)
	var shares []DayShare
	for cursor := s.StartedAt.In(loc); remaining > 0 && cursor.Before(end); {
		y, m, d := cursor.Date()
		next := time.Date(y, m, d+1, 0, 0, 0, 0, loc)
		if next.After(end) {
			next = end
		}
		capacity := int((next.Sub(cursor) + time.Minute - 1) / time.Minute)
		minutes := min(remaining, capacity, MaxEntryMinutes)
		if minutes > 0 {
			shares = append(shares, DayShare{Date: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), Minutes: minutes})
			remaining -= minutes
		}
		cursor = next.In(loc)
	}
	for i := range shares {
		if remaining == 0 {
			break
		}
		extra := min(remaining, MaxEntryMinutes-shares[i].Minutes)
		shares[i].Minutes += extra
		remaining -= extra
	}
	return shares
}
