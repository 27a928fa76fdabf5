package broker

import "github.com/studiolambda/ember/internal/wildcard"

const sysPrefix = wildcard.SysPrefix

// isSystemTopic reports whether topic falls under the reserved $SYS
// namespace.
func isSystemTopic(topic string) bool {
	return wildcard.IsSystemTopic(topic)
}
