package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestWrapRoundTrip(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, CategoryIOFailure, "io_delete_failed", "check folder permissions", true)
	if err == nil {
		t.Fatal("expected wrapped error")
	}
	if CategoryOf(err) != CategoryIOFailure {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if CodeOf(err) != "io_delete_failed" {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if HintOf(err) != "check folder permissions" {
		t.Fatalf("unexpected hint: %s", HintOf(err))
	}
	if !RetryableOf(err) {
		t.Fatal("expected retryable true")
	}
	if !stderrors.Is(err, base) {
		t.Fatal("expected wrapped error to preserve cause")
	}
}

func TestUnknownErrorDefaults(t *testing.T) {
	err := stderrors.New("plain")
	if CategoryOf(err) != "" {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if CodeOf(err) != "" {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if HintOf(err) != "" {
		t.Fatalf("unexpected hint: %s", HintOf(err))
	}
	if RetryableOf(err) {
		t.Fatal("unexpected retryable true")
	}
	if IsLocal(err) {
		t.Fatal("plain errors must not be treated as local")
	}
}

func TestWrapNilCauseReturnsNil(t *testing.T) {
	if got := Wrap(nil, CategoryInternalFailure, "internal_failure", "retry later", false); got != nil {
		t.Fatalf("expected nil wrapped error, got=%v", got)
	}
}

func TestNewfCarriesCategoryAsCode(t *testing.T) {
	err := Newf(CategoryParse, "missing tests array in %s", "m1.json")
	if err.Error() != "missing tests array in m1.json" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if CodeOf(err) != string(CategoryParse) {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !IsLocal(fmt.Errorf("decode member: %w", err)) {
		t.Fatal("expected wrapped parse error to stay local")
	}
}

func TestClassifiedErrorNilCauseDefaults(t *testing.T) {
	err := &classifiedError{category: CategoryContainer, code: "container_error"}
	if err.Error() != "unknown error" {
		t.Fatalf("unexpected error text: %q", err.Error())
	}
	if err.Category() != CategoryContainer || err.Code() != "container_error" {
		t.Fatalf("unexpected accessors: %#v", err)
	}
	if err.Unwrap() != nil {
		t.Fatal("expected nil cause")
	}
}
