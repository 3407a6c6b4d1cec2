package notify

import "testing"

func TestFilterTitle(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Ranked grind", "Ranked grind"},
		{"NSFW art stream", "**** art stream"},
		{"late night nsfw chat", "late night **** chat"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := FilterTitle(tc.in); got != tc.want {
			t.Errorf("FilterTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
