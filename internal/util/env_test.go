package util

import "testing"

func TestParseBoolEnv(t *testing.T) {
	cases := []struct {
		value        string
		defaultValue bool
		want         bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"yes", false, true},
		{"ON", false, true},
		{"false", true, false},
		{"0", true, false},
		{"no", true, false},
		{"off", true, false},
		{" TRUE ", false, true},
		{"", true, true},
		{"", false, false},
		{"maybe", true, true},
		{"maybe", false, false},
	}
	for _, tc := range cases {
		t.Setenv("TEST_BOOL_ENV", tc.value)
		if got := ParseBoolEnv("TEST_BOOL_ENV", tc.defaultValue); got != tc.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tc.value, tc.defaultValue, got, tc.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	cases := []struct {
		value        string
		defaultValue int
		want         int
	}{
		{"5", 1, 5},
		{" 30 ", 1, 30},
		{"-2", 1, -2},
		{"", 7, 7},
		{"abc", 7, 7},
		{"1.5", 7, 7},
	}
	for _, tc := range cases {
		t.Setenv("TEST_INT_ENV", tc.value)
		if got := ParseIntEnv("TEST_INT_ENV", tc.defaultValue); got != tc.want {
			t.Errorf("ParseIntEnv(%q, %d) = %d, want %d", tc.value, tc.defaultValue, got, tc.want)
		}
	}
}
