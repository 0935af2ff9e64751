package domain

import (
	"errors"
	"testing"
	"time"
)

func TestRecompute_Transitions(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name   string
		status BatchStatus
		counts map[MessageStatus]int
		want   BatchStatus
	}{
		{
			name:   "approved stays while scheduled",
			status: BatchStatusApproved,
			counts: map[MessageStatus]int{MessageStatusScheduled: 3},
			want:   BatchStatusApproved,
		},
		{
			name:   "approved to sending on first claim",
			status: BatchStatusApproved,
			counts: map[MessageStatus]int{MessageStatusScheduled: 2, MessageStatusSending: 1},
			want:   BatchStatusSending,
		},
		{
			name:   "mixed outcomes complete",
			status: BatchStatusSending,
			counts: map[MessageStatus]int{MessageStatusSent: 1, MessageStatusFailed: 1, MessageStatusBounced: 1},
			want:   BatchStatusCompleted,
		},
		{
			name:   "nothing sent is failed",
			status: BatchStatusSending,
			counts: map[MessageStatus]int{MessageStatusFailed: 2, MessageStatusCancelled: 1},
			want:   BatchStatusFailed,
		},
		{
			name:   "cancelled keeps status",
			status: BatchStatusCancelled,
			counts: map[MessageStatus]int{MessageStatusSent: 3},
			want:   BatchStatusCancelled,
		},
		{
			name:   "draft not completed by counts",
			status: BatchStatusDraft,
			counts: map[MessageStatus]int{MessageStatusCancelled: 3},
			want:   BatchStatusDraft,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Batch{Status: tt.status, Counters: Counters{Total: 3}}
			b.Recompute(tt.counts, now)

			if b.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, b.Status)
			}
			if b.Counters.Sum() != b.Counters.Total {
				t.Errorf("sum %d != total %d", b.Counters.Sum(), b.Counters.Total)
			}
			if b.Status.IsTerminal() && tt.status != BatchStatusCancelled && b.CompletedAt == nil {
				t.Error("completed_at not stamped")
			}
		})
	}
}

func TestRatePolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RatePolicy
		wantErr bool
	}{
		{"defaults", DefaultRatePolicy(), false},
		{"zero interval allowed", RatePolicy{MaxPerHour: 2, MaxPerDay: 10}, false},
		{"hour above day", RatePolicy{MaxPerHour: 20, MaxPerDay: 10}, true},
		{"negative interval", RatePolicy{MaxPerHour: 1, MaxPerDay: 1, MinInterval: -time.Second}, true},
		{"zero hour", RatePolicy{MaxPerDay: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBatchPatch_PolicyLockedAfterApproval(t *testing.T) {
	b := &Batch{Status: BatchStatusApproved, Policy: RatePolicy{MaxPerHour: 5, MaxPerDay: 50}}
	hour := 10
	p := BatchPatch{Policy: &PolicySpec{MaxPerHour: &hour}}

	if err := p.Apply(b, time.Now()); err == nil {
		t.Fatal("expected error")
	}
	if b.Policy.MaxPerHour != 5 {
		t.Error("policy mutated")
	}

	name := "renamed"
	if err := (BatchPatch{Name: &name}).Apply(b, time.Now()); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if b.Name != "renamed" {
		t.Errorf("expected renamed, got %q", b.Name)
	}
}

func TestPolicySpec_Resolve(t *testing.T) {
	intp := func(v int) *int { return &v }
	durp := func(d time.Duration) *time.Duration { return &d }

	tests := []struct {
		name    string
		spec    PolicySpec
		want    RatePolicy
		wantErr string
	}{
		{"empty gives defaults", PolicySpec{}, DefaultRatePolicy(), ""},
		{"explicit zero interval", PolicySpec{MinInterval: durp(0)},
			RatePolicy{MaxPerHour: DefaultMaxPerHour, MaxPerDay: DefaultMaxPerDay}, ""},
		{"partial", PolicySpec{MaxPerHour: intp(5)},
			RatePolicy{MaxPerHour: 5, MaxPerDay: DefaultMaxPerDay, MinInterval: DefaultMinInterval}, ""},
		{"negative interval", PolicySpec{MaxPerHour: intp(5), MaxPerDay: intp(10), MinInterval: durp(-30 * time.Second)},
			RatePolicy{}, "policy.min_interval"},
		{"zero hour", PolicySpec{MaxPerHour: intp(0)}, RatePolicy{}, "policy.max_per_hour"},
		{"negative day", PolicySpec{MaxPerDay: intp(-1)}, RatePolicy{}, "policy.max_per_day"},
		{"hour above day", PolicySpec{MaxPerHour: intp(20), MaxPerDay: intp(10)}, RatePolicy{}, "policy.max_per_hour"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.spec.Resolve()
			if tt.wantErr != "" {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				if ve.Field != tt.wantErr {
					t.Errorf("field = %s, want %s", ve.Field, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBatchPatch_PolicyKeepsUnsetFields(t *testing.T) {
	b := &Batch{Status: BatchStatusDraft, Policy: RatePolicy{MaxPerHour: 5, MaxPerDay: 50, MinInterval: time.Minute}}
	day := 100
	if err := (BatchPatch{Policy: &PolicySpec{MaxPerDay: &day}}).Apply(b, time.Now()); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := RatePolicy{MaxPerHour: 5, MaxPerDay: 100, MinInterval: time.Minute}
	if b.Policy != want {
		t.Errorf("got %+v, want %+v", b.Policy, want)
	}
}
