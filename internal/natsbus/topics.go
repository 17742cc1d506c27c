package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicEventsCrew(crewID int64) string {
	return fmt.Sprintf("events.crew.%d", crewID)
}

func TopicEventsSchedule(scheduleID string) string {
	return fmt.Sprintf("events.schedule.%s", scheduleID)
}

const (
	TopicEventsAll       = "events.>"
	TopicEventsCrews     = "events.crew.*"
	TopicEventsSchedules = "events.schedule.*"
)
