package wildcard

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		match  bool
	}{
		{"test/topic", "test/topic", true},
		{"test/topic", "test/other", false},

		{"test/+", "test/topic", true},
		{"test/+", "test/topic/sub", false},
		{"test/+/sub", "test/topic/sub", true},
		{"+/topic", "test/topic", true},
		{"+/+", "test/topic", true},

		{"test/#", "test/topic", true},
		{"test/#", "test/topic/sub/deep", true},
		{"test/#", "other/topic", false},
		{"#", "any/topic/here", true},
		{"test/topic/#", "test/topic", true},

		{"+/+/#", "test/topic/sub/deep", true},

		// $SYS is excluded from bare wildcards.
		{"#", "$SYS/broker-1/heartbeat", false},
		{"+/heartbeat", "$SYS/heartbeat", false},
		{"$SYS/+/heartbeat", "$SYS/broker-1/heartbeat", true},
		{"$SYS/#", "$SYS/broker-1/heartbeat", true},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"_vs_"+tt.topic, func(t *testing.T) {
			if got := Match(tt.filter, tt.topic); got != tt.match {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.match)
			}
		})
	}
}

func TestIsSystemTopic(t *testing.T) {
	if !IsSystemTopic("$SYS/broker-1/heartbeat") {
		t.Error("expected $SYS/broker-1/heartbeat to be a system topic")
	}

	if IsSystemTopic("sensors/1/temperature") {
		t.Error("expected sensors/1/temperature not to be a system topic")
	}
}
