package bot

import (
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestLoginPattern(t *testing.T) {
	cases := []struct {
		login string
		ok    bool
	}{
		{"streamera", true},
		{"abcd", true},
		{"a_b_c_d", true},
		{"x1y2z3", true},
		{"abc", false},      // too short
		{"_leading", false}, // no leading underscore
		{"UPPER", false},    // normalized input is lowercase
		{"has space", false},
		{"", false},
		{"abcdefghijklmnopqrstuvwxyz", false}, // over 25 chars
	}
	for _, tc := range cases {
		if got := loginPattern.MatchString(tc.login); got != tc.ok {
			t.Errorf("loginPattern(%q) = %v, want %v", tc.login, got, tc.ok)
		}
	}
}

func TestGroupID(t *testing.T) {
	if got := groupID(&tele.Chat{ID: -1001234567890}); got != "-1001234567890" {
		t.Errorf("groupID = %q", got)
	}
	if got := groupID(&tele.Chat{ID: 42}); got != "42" {
		t.Errorf("groupID = %q", got)
	}
}
