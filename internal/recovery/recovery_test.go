package recovery

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/taskloom/internal/store"
)

func ms(t time.Time) *int64 {
	v := t.UnixMilli()
	return &v
}

func TestFindOrphaned(t *testing.T) {
	now := time.Now()
	timeout := 60 * time.Second

	tests := []struct {
		name string
		rec  store.TurnRecord
		want bool
	}{
		{"stale heartbeat", store.TurnRecord{ID: "a", Status: store.TurnStreaming, HeartbeatAt: ms(now.Add(-90 * time.Second))}, true},
		{"fresh heartbeat", store.TurnRecord{ID: "b", Status: store.TurnStreaming, HeartbeatAt: ms(now.Add(-30 * time.Second))}, false},
		{"no heartbeat at all", store.TurnRecord{ID: "c", Status: store.TurnStreaming}, true},
		{"not streaming", store.TurnRecord{ID: "d", Status: store.TurnComplete, HeartbeatAt: ms(now.Add(-90 * time.Second))}, false},
		{"just past the cutoff", store.TurnRecord{ID: "e", Status: store.TurnStreaming, HeartbeatAt: ms(now.Add(-61 * time.Second))}, true},
		{"exactly at the cutoff", store.TurnRecord{ID: "f", Status: store.TurnStreaming, HeartbeatAt: ms(now.Add(-60 * time.Second))}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindOrphaned([]store.TurnRecord{tt.rec}, now, timeout)
			if (len(got) == 1) != tt.want {
				t.Errorf("orphaned = %v, want %v", len(got) == 1, tt.want)
			}
		})
	}
}

func TestFindOrphanedKeepsOrder(t *testing.T) {
	now := time.Now()
	recs := []store.TurnRecord{
		{ID: "x", Status: store.TurnStreaming},
		{ID: "y", Status: store.TurnStreaming, HeartbeatAt: ms(now)},
		{ID: "z", Status: store.TurnStreaming},
	}
	got := FindOrphaned(recs, now, time.Minute)
	if len(got) != 2 || got[0].ID != "x" || got[1].ID != "z" {
		t.Errorf("orphans = %v", got)
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		rec  store.TurnRecord
		want Action
	}{
		{"first attempt retries", store.TurnRecord{Attempt: 1}, ActionRetry},
		{"second attempt retries", store.TurnRecord{Attempt: 2}, ActionRetry},
		{"third attempt fails", store.TurnRecord{Attempt: 3}, ActionFail},
		{"checkpoint resumes", store.TurnRecord{Attempt: 1, Checkpoint: "cp"}, ActionResume},
		{"checkpoint resumes past the attempt cap", store.TurnRecord{Attempt: 7, Checkpoint: "cp"}, ActionResume},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.rec, 3); got != tt.want {
				t.Errorf("Decide = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBuildPayload(t *testing.T) {
	p := BuildPayload(store.TurnRecord{ID: "m1", Checkpoint: "cp-7"}, "orphaned")
	if p.MessageID != "m1" || p.Checkpoint != "cp-7" || p.Reason != "orphaned" {
		t.Errorf("payload = %+v", p)
	}

	p = BuildPayload(store.TurnRecord{ID: "m2"}, "")
	if p.Reason != "orphaned" {
		t.Errorf("default reason = %q", p.Reason)
	}
	if p.Checkpoint != "" {
		t.Errorf("checkpoint = %q, want empty", p.Checkpoint)
	}
}
