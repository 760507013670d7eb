package waitlist

import (
	"math"

	"qms/waitlist-service/internal/models"
)

// AverageWaitMinutes is the mean time from arrival to being called, rounded up
// to whole minutes. It is nil when nobody currently called has a called_at.
func AverageWaitMinutes(customers []models.Customer) *int {
	var total int64
	var count int64
	for _, customer := range customers {
		if customer.Status != models.StatusCalled || customer.CalledAt == nil {
			continue
		}
		total += customer.CalledAt.UnixMilli() - customer.Timestamp
		count++
	}
	if count == 0 {
		return nil
	}
	mean := float64(total) / float64(count)
	minutes := int(math.Ceil(mean / float64(60000)))
	if minutes < 0 {
		minutes = 0
	}
	return &minutes
}

func addDaily(stats models.DailyStatistics, partySize int) models.DailyStatistics {
	stats.GroupsCount++
	stats.PeopleCount += partySize
	return stats
}
