package layererrors

import (
	"io/fs"
	"testing"

	"emperror.dev/errors"
)

func TestKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind error
	}{
		{"not found", New(ErrNotFound, "resolve", "a/b", nil), ErrNotFound},
		{"io with cause", New(ErrIOFailure, "write", "a", fs.ErrPermission), ErrIOFailure},
		{"corrupt formatted", Newf(ErrCorruptArchive, "verify", "1.zip", "digest %s", "abc"), ErrCorruptArchive},
		{"wrapped", errors.Wrap(New(ErrImmutableLayer, "write", "x", nil), "cannot write"), ErrImmutableLayer},
		{"bare sentinel", errors.Wrap(ErrIndexInconsistency, "open"), ErrIndexInconsistency},
		{"foreign", errors.New("boom"), nil},
		{"nil", nil, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if kind := KindOf(c.err); kind != c.kind {
				t.Errorf("KindOf() = %v, expected %v", kind, c.kind)
			}
		})
	}
}

func TestCauseIsReachable(t *testing.T) {
	err := New(ErrIOFailure, "write", "a/b", fs.ErrPermission)
	if !errors.Is(err, ErrIOFailure) {
		t.Error("kind not reachable")
	}
	if !errors.Is(err, fs.ErrPermission) {
		t.Error("cause not reachable")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("unexpected kind")
	}
	if IsNotFound(err) {
		t.Error("IsNotFound() = true")
	}
}

func TestNotFoundCauseOfOtherKind(t *testing.T) {
	cause := New(ErrNotFound, "read entry", "ghost", nil)
	err := New(ErrIndexInconsistency, "read file", "ghost", cause)
	if IsNotFound(err) {
		t.Error("index inconsistency reported as not found")
	}
	if KindOf(err) != ErrIndexInconsistency {
		t.Errorf("KindOf() = %v", KindOf(err))
	}
	if !IsNotFound(errors.Wrap(cause, "cannot read")) {
		t.Error("wrapped not found not detected")
	}
}

func TestMessage(t *testing.T) {
	err := New(ErrNotFound, "read file", "a/b", errors.New("no such entry"))
	expected := "read file 'a/b': not found: no such entry"
	if err.Error() != expected {
		t.Errorf("Error() = %q, expected %q", err.Error(), expected)
	}
	err = New(ErrIndexInconsistency, "open", "", nil)
	if err.Error() != "open: index inconsistency" {
		t.Errorf("Error() = %q", err.Error())
	}
}
