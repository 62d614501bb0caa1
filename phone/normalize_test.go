package phone

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"89991234567", "79991234567"},
		{"+79991234567", "79991234567"},
		{"+7 (999) 123-45-67", "79991234567"},
		{"8 (999) 123 45 67", "79991234567"},
		{"79991234567", "79991234567"},
		{"9991234567", "9991234567"},
		{"+1 202 555 0143", "12025550143"},
		{"881234", "881234"},
		{"", ""},
		{"no digits", ""},
	}

	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalize_LegacyAndInternationalAgree(t *testing.T) {
	if Normalize("89991234567") != Normalize("+79991234567") {
		t.Fatalf("legacy and international forms must normalize equally")
	}
	if Normalize("89991234567") != "79991234567" {
		t.Fatalf("unexpected canonical form %q", Normalize("89991234567"))
	}
}

func TestEqual(t *testing.T) {
	if !Equal("8-999-123-45-67", "+7 999 1234567") {
		t.Fatalf("expected formats to match")
	}
	if Equal("", "") {
		t.Fatalf("empty phones must never match")
	}
	if Equal("79991234567", "79991234568") {
		t.Fatalf("different numbers must not match")
	}
}

func TestValid(t *testing.T) {
	if !Valid("+7 999 123-45-67") {
		t.Fatalf("expected valid phone")
	}
	if Valid("12345") {
		t.Fatalf("expected short phone to be invalid")
	}
}
