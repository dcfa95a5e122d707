package version

import "testing"

func TestShortCommit(t *testing.T) {
	saved := Commit
	defer func() { Commit = saved }()

	Commit = "0123456789abcdef"
	if s := ShortCommit(); s != "0123456" {
		t.Errorf("ShortCommit() = %s", s)
	}
	Commit = "abc"
	if s := ShortCommit(); s != "abc" {
		t.Errorf("ShortCommit() = %s", s)
	}
}
