package task

import (
	"errors"
	"testing"
	"time"

	kit "dripbot/internal/transport"
)

func TestScheduleValidate(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lim := DefaultLimits()

	cases := []struct {
		name string
		s    Schedule
		ok   bool
	}{
		{
			name: "oneshot",
			s:    Schedule{Kind: ScheduleOneShot, At: now.Add(time.Hour)},
			ok:   true,
		},
		{
			name: "oneshot without instant",
			s:    Schedule{Kind: ScheduleOneShot},
		},
		{
			name: "oneshot with interval fields",
			s:    Schedule{Kind: ScheduleOneShot, At: now.Add(time.Hour), Interval: time.Minute},
		},
		{
			name: "recurring",
			s:    Schedule{Kind: ScheduleRecurring, Interval: time.Minute, EndTime: now.Add(time.Hour)},
			ok:   true,
		},
		{
			name: "recurring interval below minimum",
			s:    Schedule{Kind: ScheduleRecurring, Interval: 5 * time.Second, EndTime: now.Add(time.Hour)},
		},
		{
			name: "recurring end in the past",
			s:    Schedule{Kind: ScheduleRecurring, Interval: time.Minute, EndTime: now.Add(-time.Hour)},
		},
		{
			name: "recurring window too long",
			s:    Schedule{Kind: ScheduleRecurring, Interval: time.Minute, EndTime: now.Add(lim.MaxDuration + time.Hour)},
		},
		{
			name: "unknown kind",
			s:    Schedule{Kind: "cron"},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.s.Validate(now, lim)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok {
				if !errors.Is(err, ErrInvalidSchedule) {
					t.Fatalf("err = %v, want ErrInvalidSchedule", err)
				}
			}
		})
	}
}

func TestValidateTarget(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		tg   kit.Target
		ok   bool
	}{
		{name: "user by id", tg: kit.Target{Kind: kit.TargetUser, ChatID: 12345}, ok: true},
		{name: "group by id", tg: kit.Target{Kind: kit.TargetGroup, ChatID: -100200300}, ok: true},
		{name: "channel by username", tg: kit.Target{Kind: kit.TargetChannel, Username: "news_feed"}, ok: true},
		{name: "username with at prefix", tg: kit.Target{Kind: kit.TargetChannel, Username: "@news_feed"}, ok: true},
		{name: "neither id nor username", tg: kit.Target{Kind: kit.TargetGroup}},
		{name: "both id and username", tg: kit.Target{Kind: kit.TargetGroup, ChatID: 5, Username: "dual"}},
		{name: "user by username", tg: kit.Target{Kind: kit.TargetUser, Username: "someone"}},
		{name: "negative user id", tg: kit.Target{Kind: kit.TargetUser, ChatID: -5}},
		{name: "short username", tg: kit.Target{Kind: kit.TargetChannel, Username: "abc"}},
		{name: "username bad chars", tg: kit.Target{Kind: kit.TargetChannel, Username: "no spaces"}},
		{name: "unknown kind", tg: kit.Target{Kind: "bot", ChatID: 1}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateTarget(tc.tg)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidTarget) {
				t.Fatalf("err = %v, want ErrInvalidTarget", err)
			}
		})
	}
}

func TestScheduleFirstSendAt(t *testing.T) {
	t.Parallel()
	now := time.Now()
	at := now.Add(time.Hour)

	one := Schedule{Kind: ScheduleOneShot, At: at}
	if got := one.FirstSendAt(now); !got.Equal(at) {
		t.Fatalf("oneshot first send = %v, want %v", got, at)
	}
	rec := Schedule{Kind: ScheduleRecurring, Interval: time.Minute, EndTime: now.Add(time.Hour)}
	if got := rec.FirstSendAt(now); !got.Equal(now) {
		t.Fatalf("recurring first send = %v, want creation time", got)
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	terminal := map[Status]bool{
		StatusPending:   false,
		StatusActive:    false,
		StatusSent:      true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusCompleted: true,
	}
	for st, want := range terminal {
		if st.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", st, !want, want)
		}
	}
}
