package cmd

import (
	"errors"
	"io"
	"testing"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := NewRootCmd("test")
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	return root.Execute()
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	err := execute(t, "status", "--no-such-flag")
	if err == nil {
		t.Fatal("expected an error for an unknown flag")
	}
	var usage *UsageError
	if !errors.As(err, &usage) {
		t.Fatalf("err = %v (%T), want UsageError", err, err)
	}
}

func TestWrongArgCountIsUsageError(t *testing.T) {
	err := execute(t, "config", "get", "too", "many")
	if err == nil {
		t.Fatal("expected an error for wrong argument count")
	}
	var usage *UsageError
	if !errors.As(err, &usage) {
		t.Fatalf("err = %v (%T), want UsageError", err, err)
	}
}
