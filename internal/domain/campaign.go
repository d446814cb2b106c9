package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCancelled CampaignStatus = "cancelled"
	CampaignStatusCompleted CampaignStatus = "completed"
)

// Channel identifies the outbound delivery channel for a campaign.
type Channel string

const (
	ChannelSMS       Channel = "sms"
	ChannelVoicedrop Channel = "voicedrop"
)

// Campaign models an outbound drip campaign definition.
type Campaign struct {
	ID              uuid.UUID
	Name            string
	Channel         Channel
	Script          string
	SenderID        string
	Schedule        Schedule
	Limits          Limits
	MaxSendAttempts int
	Status          CampaignStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Schedule captures the allowed sending window for a campaign.
type Schedule struct {
	DaysOfWeek []time.Weekday
	Start      time.Time // wall-clock, only hour/minute significant
	End        time.Time
	TimeZone   string
}

// Limits bounds the dispatch rate for a campaign.
type Limits struct {
	MaxPerHour        int
	DailyLimit        int
	InterMessageDelay time.Duration
}

// Contains reports whether the instant falls inside the campaign's
// sending window, evaluated in the campaign's own timezone. Windows
// whose end precedes their start span midnight into the next day.
func (s Schedule) Contains(nowUTC time.Time) bool {
	if len(s.DaysOfWeek) == 0 {
		return false
	}

	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		loc = time.UTC
	}

	local := nowUTC.In(loc)
	minuteOfDay := local.Hour()*60 + local.Minute()
	weekday := local.Weekday()

	start := s.Start.Hour()*60 + s.Start.Minute()
	end := s.End.Hour()*60 + s.End.Minute()

	for _, day := range s.DaysOfWeek {
		if end <= start {
			// window spans midnight
			if day == weekday && minuteOfDay >= start {
				return true
			}
			next := time.Weekday((int(day) + 1) % 7)
			if next == weekday && minuteOfDay < end {
				return true
			}
			continue
		}

		if day != weekday {
			continue
		}
		if minuteOfDay >= start && minuteOfDay < end {
			return true
		}
	}

	return false
}

// LocalDay returns the campaign-local calendar day for the instant,
// formatted for use as a daily counter bucket.
func (s Schedule) LocalDay(nowUTC time.Time) string {
	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		loc = time.UTC
	}
	return nowUTC.In(loc).Format("2006-01-02")
}

// CampaignStats mirrors the live distribution of contact states.
// Every contact transition moves exactly one unit between counters,
// so the sum of the non-total counters always equals Total.
type CampaignStats struct {
	Total     int64 `db:"total_contacts"`
	Pending   int64 `db:"pending_contacts"`
	Scheduled int64 `db:"scheduled_contacts"`
	Sent      int64 `db:"sent_contacts"`
	Delivered int64 `db:"delivered_contacts"`
	Failed    int64 `db:"failed_contacts"`
	Cancelled int64 `db:"cancelled_contacts"`
	Callbacks int64 `db:"callbacks_received"`
}

// Remaining reports how many contacts are still awaiting dispatch.
func (s CampaignStats) Remaining() int64 {
	return s.Pending + s.Scheduled
}
