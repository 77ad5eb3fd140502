package errors

import (
	"errors"
	"fmt"
)

type Category string

const (
	CategoryInvalidInput    Category = "invalid_input"
	CategoryContainer       Category = "container_error"
	CategoryParse           Category = "parse_error"
	CategoryDuplicateFile   Category = "duplicate_file"
	CategoryDuplicateEntry  Category = "duplicate_entry"
	CategoryInvalidType     Category = "invalid_type"
	CategoryRuleLookupMiss  Category = "rule_lookup_miss"
	CategoryGeoIssue        Category = "geo_issue"
	CategoryIOFailure       Category = "io_failure"
	CategoryInternalFailure Category = "internal_failure"
)

type classifiedError struct {
	category  Category
	code      string
	hint      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Hint() string {
	return e.hint
}

func (e *classifiedError) Retryable() bool {
	return e.retryable
}

func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

// Newf builds a non-retryable classified error whose code mirrors the category.
func Newf(category Category, format string, args ...any) error {
	return &classifiedError{
		category: category,
		code:     string(category),
		cause:    fmt.Errorf(format, args...),
	}
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.hint
	}
	return ""
}

func RetryableOf(err error) bool {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retryable
	}
	return false
}

// IsLocal reports whether err belongs to the categories that are recovered per
// file or per entry instead of aborting a verification run.
func IsLocal(err error) bool {
	switch CategoryOf(err) {
	case CategoryContainer, CategoryParse, CategoryDuplicateFile, CategoryDuplicateEntry,
		CategoryInvalidType, CategoryRuleLookupMiss, CategoryGeoIssue:
		return true
	}
	return false
}
