// Package slot holds the time math for clock-aligned booking slots.
//
// All computations happen in UTC. Slots are measured from the top of the
// hour, so a duration must divide one hour evenly for consecutive windows
// to tile without overlap; callers validate that (see labs.Registry).
package slot

import (
	"strings"
	"time"
)

// nameLayout is the timestamp suffix of a session name, minute precision.
const nameLayout = "200601021504"

// Quantize returns t truncated to the start of the d-sized window that
// contains it. Panics if d <= 0.
func Quantize(t time.Time, d time.Duration) time.Time {
	if d <= 0 {
		panic("slot: non-positive duration")
	}
	t = t.UTC()
	hour := t.Truncate(time.Hour)
	offset := t.Sub(hour)
	return hour.Add(offset / d * d)
}

// End returns the exclusive end of the slot starting at start.
func End(start time.Time, d time.Duration) time.Time {
	return start.UTC().Add(d)
}

// SessionName derives the deterministic session identifier for a resource
// and slot. It depends only on the resource and slot, never on the user,
// so repeated entries within one slot resolve to the same containers.
func SessionName(resourceKey string, start time.Time) string {
	return NamePrefix(resourceKey) + start.UTC().Format(nameLayout)
}

// NamePrefix is the prefix shared by every container of every session of
// a resource.
func NamePrefix(resourceKey string) string {
	return strings.ToLower(resourceKey) + "-"
}

// BelongsTo reports whether a container name is the session's primary
// container or one of its auxiliaries.
func BelongsTo(containerName, sessionName string) bool {
	return containerName == sessionName || strings.HasPrefix(containerName, sessionName+"-")
}

// ParseSessionName returns the session a container name belongs to when
// the name is a primary or auxiliary container name of resourceKey.
func ParseSessionName(containerName, resourceKey string) (string, bool) {
	prefix := NamePrefix(resourceKey)
	stampEnd := len(prefix) + len(nameLayout)
	if len(containerName) < stampEnd || containerName[:len(prefix)] != prefix {
		return "", false
	}
	for _, r := range containerName[len(prefix):stampEnd] {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	if rest := containerName[stampEnd:]; rest != "" && rest[0] != '-' {
		return "", false
	}
	return containerName[:stampEnd], true
}
