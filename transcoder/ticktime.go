package transcoder

import "time"

// Timestamps are stored as a 64-bit value whose low 62 bits count 100ns
// ticks since 0001-01-01T00:00:00 and whose top 2 bits carry the time-zone
// kind.  The kind must survive a round-trip.

const (
	tickKindUnspecified = 0
	tickKindUtc         = 1
	tickKindLocal       = 2

	ticksPerSecond = 10_000_000

	// seconds between 0001-01-01 and the unix epoch
	epochOffsetSeconds = 62135596800

	tickValueMask = uint64(1)<<62 - 1
)

// zoneUnspecified stands in for timestamps that carried no zone kind.  It is
// a distinct location from time.UTC so the kind survives re-encoding.
var zoneUnspecified = time.FixedZone("", 0)

func kindOf(t time.Time) uint64 {
	switch t.Location() {
	case time.UTC:
		return tickKindUtc
	case time.Local:
		return tickKindLocal
	}
	return tickKindUnspecified
}

func encodeTickTime(t time.Time) uint64 {
	secs := t.Unix() + epochOffsetSeconds
	ticks := uint64(secs)*ticksPerSecond + uint64(t.Nanosecond()/100)

	return (ticks & tickValueMask) | kindOf(t)<<62
}

func decodeTickTime(v uint64) time.Time {
	kind := v >> 62
	ticks := v & tickValueMask

	secs := int64(ticks/ticksPerSecond) - epochOffsetSeconds
	nsec := int64(ticks%ticksPerSecond) * 100

	t := time.Unix(secs, nsec)
	switch kind {
	case tickKindUtc:
		return t.UTC()
	case tickKindLocal:
		return t.In(time.Local)
	}
	return t.In(zoneUnspecified)
}
