package broker

import "time"

// DelayLevels are the supported delays; level n is DelayLevels[n-1].
var DelayLevels = []time.Duration{
	time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	time.Minute,
	2 * time.Minute,
	3 * time.Minute,
	4 * time.Minute,
	5 * time.Minute,
	6 * time.Minute,
	7 * time.Minute,
	8 * time.Minute,
	9 * time.Minute,
	10 * time.Minute,
	20 * time.Minute,
	30 * time.Minute,
	time.Hour,
	2 * time.Hour,
}

const (
	DefaultMaxReconsumeTimes = 16
	DefaultMaxChecks         = 15
	firstRedeliveryLevel     = 3
)

// Delay returns the duration for level. Levels below 1 mean no delay and
// levels above the table use the largest delay.
func Delay(level int) time.Duration {
	if level <= 0 {
		return 0
	}
	if level > len(DelayLevels) {
		level = len(DelayLevels)
	}
	return DelayLevels[level-1]
}

// RedeliveryLevel is the delay level of the n-th redelivery (n >= 1).
func RedeliveryLevel(n int) int {
	level := firstRedeliveryLevel + n - 1
	if level > len(DelayLevels) {
		return len(DelayLevels)
	}
	return level
}

func DLQTopic(group string) string {
	return "%DLQ%" + group
}
