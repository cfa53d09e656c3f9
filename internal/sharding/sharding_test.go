package sharding

import (
	"strconv"
	"strings"
	"testing"
)

func TestGetShardID_Deterministic(t *testing.T) {
	a := GetShardID("owner-1")
	b := GetShardID("owner-1")
	if a != b {
		t.Fatalf("shard id not deterministic: %d vs %d", a, b)
	}
	if a < 0 || a >= ShardCount {
		t.Fatalf("shard id out of range: %d", a)
	}
}

func TestTaskEventSubject(t *testing.T) {
	subject := TaskEventSubject("owner-1")
	want := "task.event." + strconv.Itoa(GetShardID("owner-1")) + ".owner.owner-1"
	if subject != want {
		t.Fatalf("unexpected subject: %q, want %q", subject, want)
	}
	if !strings.HasPrefix(ReminderEventSubject("owner-1"), "reminder.event.") {
		t.Fatalf("unexpected reminder subject: %q", ReminderEventSubject("owner-1"))
	}
}

func TestOwnerTaskFilter_MatchesAnyShard(t *testing.T) {
	if got := OwnerTaskFilter("owner-7"); got != "task.event.*.owner.owner-7" {
		t.Fatalf("unexpected filter: %q", got)
	}
}
