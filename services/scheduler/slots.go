package scheduler

import (
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
)

// EasternOffset converts Eastern Time to UTC. Daylight saving time is not applied.
const EasternOffset = 5 * time.Hour

// DefaultPeakHoursET are the local hours Reddit traffic peaks.
var DefaultPeakHoursET = []int{7, 12, 17, 20}

const maxJitterMinutes = 30

func randomJitter() int {
	return rand.IntN(maxJitterMinutes)
}

// NextPostingSlots returns up to count instants strictly after from, drawn from the peak hours of from's Eastern
// day and the day after, each shifted by jitter() minutes. Fewer slots are returned when the two days run out.
func NextPostingSlots(count int, from time.Time, peakHoursET []int, jitter func() int) []time.Time {
	if count <= 0 {
		return nil
	}
	if jitter == nil {
		jitter = randomJitter
	}

	hours := slices.Clone(peakHoursET)
	slices.Sort(hours)
	hours = slices.Compact(hours)

	from = from.UTC()
	local := from.Add(-EasternOffset)

	slots := make([]time.Time, 0, count)
	for day := 0; day < 2; day++ {
		for _, hour := range hours {
			slot := time.Date(local.Year(), local.Month(), local.Day()+day, hour, jitter(), 0, 0, time.UTC).Add(EasternOffset)
			if !slot.After(from) {
				continue
			}
			slots = append(slots, slot)
			if len(slots) == count {
				return slots
			}
		}
	}
	return slots
}

// PickBestSubreddit walks candidates in order and returns the first one that is out of cooldown at and has no
// pending post that day. pendingSameDay is keyed by lower-cased name. With no such candidate it falls back to the
// first entry; it returns nil only for an empty list.
func PickBestSubreddit(candidates []*entity.Subreddit, pendingSameDay map[string]bool, at time.Time) *entity.Subreddit {
	if len(candidates) == 0 {
		return nil
	}
	for _, c := range candidates {
		if c.InCooldown(at) {
			continue
		}
		if pendingSameDay[strings.ToLower(c.Name)] {
			continue
		}
		return c
	}
	return candidates[0]
}

// dayStart is midnight UTC of t's day.
func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
