package models

import "time"

// ImportSchedule configures a recurring daily import for one company. Each
// day at Hour:Minute (UTC) the scheduler imports the previous full day.
// Credentials are stored with the schedule so sessions can be opened
// unattended.
type ImportSchedule struct {
	ID          string     `json:"schedule_id"`
	CompanyID   string     `json:"company_id"`
	Username    string     `json:"username"`
	Password    string     `json:"-"`
	Flows       []FlowType `json:"flows"`
	Hour        int        `json:"hour"`
	Minute      int        `json:"minute"`
	Paused      bool       `json:"paused"`
	LastRunDate string     `json:"last_run_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DueAt reports whether the schedule should fire at the given instant: it is
// unpaused, the daily fire time has passed, and it has not already run today.
func (s *ImportSchedule) DueAt(now time.Time) bool {
	if s.Paused {
		return false
	}
	today := now.UTC().Format("2006-01-02")
	if s.LastRunDate == today {
		return false
	}
	fireAt := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), s.Hour, s.Minute, 0, 0, time.UTC)
	return !now.UTC().Before(fireAt)
}
