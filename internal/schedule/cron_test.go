package schedule

import (
	"testing"
	"time"
)

func at(s string) time.Time {
	layout := "2006-01-02 15:04"
	if len(s) > len(layout) {
		layout += ":05"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParseCron_Errors(t *testing.T) {
	tests := []string{
		"",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 8",
		"*/0 * * * *",
		"5-1 * * * *",
		"a * * * *",
		"1,,2 * * * *",
		"@daily",
		"TZ=UTC 0 6 * * *",
	}
	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			if _, err := ParseCron(expr); err == nil {
				t.Errorf("expected error for %q", expr)
			}
		})
	}
}

func TestCron_Match(t *testing.T) {
	// 2024-01-01 is a Monday.
	tests := []struct {
		expr string
		at   string
		want bool
	}{
		{"0 6 * * *", "2024-01-01 06:00", true},
		{"0 6 * * *", "2024-01-01 06:01", false},
		{"*/5 9-15 * * 1-5", "2024-01-01 09:00", true},
		{"*/5 9-15 * * 1-5", "2024-01-01 15:55", true},
		{"*/5 9-15 * * 1-5", "2024-01-01 16:00", false},
		{"*/5 9-15 * * 1-5", "2024-01-01 09:03", false},
		{"*/5 9-15 * * 1-5", "2024-01-06 10:00", false},
		{"*/30 * * * *", "2024-01-06 23:30", true},
		{"0 0 * * 7", "2024-01-07 00:00", true},
		{"0 0 * * 0", "2024-01-07 00:00", true},
		{"10-20/5 * * * *", "2024-01-01 00:15", true},
		{"10-20/5 * * * *", "2024-01-01 00:25", false},
		{"5/20 * * * *", "2024-01-01 00:45", true},
		{"1,2,30 * * * *", "2024-01-01 00:30", true},
		{"0 0 1 * 1", "2024-01-08 00:00", true},
		{"0 0 1 * 1", "2024-02-01 00:00", true},
		{"0 0 1 * 1", "2024-02-02 00:00", false},
		{"0 0 1 * *", "2024-01-08 00:00", false},
		{"0 0 * * 5-7", "2024-01-07 00:00", true},
		{"0 0 * * 5-7", "2024-01-08 00:00", false},
		{"0 9 * * MON-FRI", "2024-01-01 09:00", true},
		{"30 9 * * *", "2024-01-01 09:30:45", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr+" @ "+tt.at, func(t *testing.T) {
			c, err := ParseCron(tt.expr)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got := c.Match(at(tt.at)); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCron_Next(t *testing.T) {
	tests := []struct {
		expr string
		from string
		want string
	}{
		{"*/5 9-15 * * 1-5", "2024-01-01 15:57", "2024-01-02 09:00"},
		{"*/5 9-15 * * 1-5", "2024-01-05 16:00", "2024-01-08 09:00"},
		{"0 19 * * *", "2024-01-01 19:00", "2024-01-02 19:00"},
		{"*/30 * * * *", "2024-01-01 10:10", "2024-01-01 10:30"},
		{"0 0 29 2 *", "2024-03-01 00:00", "2028-02-29 00:00"},
		{"0 6 * 12 *", "2024-01-01 00:00", "2024-12-01 06:00"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			c, err := ParseCron(tt.expr)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got := c.Next(at(tt.from)); !got.Equal(at(tt.want)) {
				t.Errorf("Next(%s) = %s, want %s", tt.from, got, tt.want)
			}
		})
	}
}

func TestCron_NextInLocation(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	c, err := ParseCron("0 6 * * *")
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).In(ny)
	want := time.Date(2024, 1, 2, 6, 0, 0, 0, ny)
	if got := c.Next(from); !got.Equal(want) {
		t.Errorf("Next = %s, want %s", got, want)
	}
	if !c.Match(want) || c.Match(want.UTC()) {
		t.Error("expected the match to follow the time's location")
	}
}

func TestFoldSunday(t *testing.T) {
	tests := map[string]string{
		"7":     "0",
		"0":     "0",
		"5-7":   "5-6,0",
		"1,7":   "1,0",
		"1-5":   "1-5",
		"*":     "*",
		"7-7":   "0",
		"*/2":   "*/2",
		"MON-7": "MON-6,0",
	}
	for in, want := range tests {
		if got := foldSunday(in); got != want {
			t.Errorf("foldSunday(%q) = %q, want %q", in, got, want)
		}
	}
}
