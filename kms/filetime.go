package kms

import "time"

const (
	epochAsFiletime       = 116444736000000000
	hundredsOfNanoseconds = 10000000
)

// FileTimeToTime converts a Windows FILETIME (100ns ticks since 1601) to a
// UTC time.
func FileTimeToTime(ft uint64) time.Time {
	d := int64(ft) - epochAsFiletime
	return time.Unix(d/hundredsOfNanoseconds, d%hundredsOfNanoseconds*100).UTC()
}

func TimeToFileTime(t time.Time) uint64 {
	return uint64(epochAsFiletime + t.Unix()*hundredsOfNanoseconds + int64(t.Nanosecond()/100))
}
