// Package wildcard implements MQTT topic filter matching, shared by the
// broker dispatcher and every Bus/Persistence backend that needs to test
// a topic against a subscription filter.
package wildcard

import "strings"

// SysPrefix is the reserved namespace for broker/cluster metadata. A
// filter that begins with a wildcard never matches a topic under this
// prefix.
const SysPrefix = "$SYS"

// Match reports whether topic matches filter under MQTT wildcard rules:
// '+' matches exactly one level, '#' matches the remainder of the topic
// (including zero levels) and must be the final filter level.
func Match(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && len(filter) > 0 && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	fLevels := strings.Split(filter, "/")
	tLevels := strings.Split(topic, "/")

	for i, fLevel := range fLevels {
		if fLevel == "#" {
			return true
		}

		if i >= len(tLevels) {
			return false
		}

		if fLevel != "+" && fLevel != tLevels[i] {
			return false
		}
	}

	return len(fLevels) == len(tLevels)
}

// IsSystemTopic reports whether topic falls under the reserved $SYS
// namespace.
func IsSystemTopic(topic string) bool {
	return strings.HasPrefix(topic, SysPrefix+"/")
}
