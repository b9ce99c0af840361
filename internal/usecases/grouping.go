package usecases

import (
	"time"

	"github.com/practice-sem-2/chat-sync-service/internal/models"
)

// GroupByDay splits chronologically ordered messages into buckets of one
// calendar day in loc. It does not reorder anything.
func GroupByDay(messages []models.Message, loc *time.Location) []models.DayBucket {
	if loc == nil {
		loc = time.Local
	}

	var buckets []models.DayBucket
	for _, msg := range messages {
		local := msg.Timestamp.In(loc)
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

		if n := len(buckets); n > 0 && buckets[n-1].Day.Equal(day) {
			buckets[n-1].Messages = append(buckets[n-1].Messages, msg)
			continue
		}
		buckets = append(buckets, models.DayBucket{Day: day, Messages: []models.Message{msg}})
	}
	return buckets
}
