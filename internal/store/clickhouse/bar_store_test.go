package clickhouse

import "testing"

func TestHostOf(t *testing.T) {
	tests := map[string]string{
		"localhost:9000":                 "localhost:9000",
		"clickhouse://ch.internal:9000":  "ch.internal:9000",
		"tcp://10.0.0.5:9000/perpbot":    "10.0.0.5:9000",
		"clickhouse://user@ch:9440/db?x": "user@ch:9440",
	}
	for in, want := range tests {
		if got := hostOf(in); got != want {
			t.Errorf("hostOf(%q) = %q, want %q", in, got, want)
		}
	}
}
