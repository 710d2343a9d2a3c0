package model

import "time"

// Schedule is a periodic job registered with the cron trigger
type Schedule struct {
	Name        string     `json:"name"`
	Expression  string     `json:"expression"`
	LastRunTime *time.Time `json:"last_run_time,omitempty"`
	NextRunTime *time.Time `json:"next_run_time,omitempty"`
	Runs        int        `json:"runs"`
	Failures    int        `json:"failures"`
}
