package importer

import (
	"time"

	"github.com/invosync/invosync/internal/models"
)

// ChunkByMonth tiles [start, end] into ordered calendar-month ranges. The
// first chunk starts at start, the last ends at end, and interior chunks
// cover whole months. A start after end yields an empty slice.
func ChunkByMonth(start, end time.Time) []models.DateRange {
	start = truncateDay(start)
	end = truncateDay(end)
	if start.After(end) {
		return []models.DateRange{}
	}

	var chunks []models.DateRange
	cursor := start
	for !cursor.After(end) {
		monthEnd := endOfMonth(cursor)
		chunkEnd := monthEnd
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		chunks = append(chunks, models.DateRange{Start: cursor, End: chunkEnd})
		cursor = monthEnd.AddDate(0, 0, 1)
	}
	return chunks
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func endOfMonth(t time.Time) time.Time {
	firstOfNext := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
	return firstOfNext.AddDate(0, 0, -1)
}
