package models

type DailyStatistics struct {
	Date        string `json:"date"`
	GroupsCount int    `json:"groups_count"`
	PeopleCount int    `json:"people_count"`
}

const DateLayout = "2006-01-02"

type QueueEntry struct {
	Customer
	Priority bool `json:"priority"`
	Position *int `json:"position,omitempty"`
}
