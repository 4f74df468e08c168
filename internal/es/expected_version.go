package es

import "fmt"

// ExpectedVersion is the caller's expectation of the stream version when appending.
type ExpectedVersion struct {
	value int64
}

const expectedVersionAny = -1

// Any skips the version check (unchecked append).
func Any() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionAny}
}

// Exact requires the stream to be at exactly version.
// The version must be non-negative.
func Exact(version int64) ExpectedVersion {
	if version < 0 {
		panic(fmt.Sprintf("exact version must be non-negative, got %d", version))
	}
	return ExpectedVersion{value: version}
}

func (ev ExpectedVersion) IsAny() bool {
	return ev.value == expectedVersionAny
}

func (ev ExpectedVersion) IsExact() bool {
	return ev.value >= 0
}

// Value returns the exact version, or 0 for Any.
func (ev ExpectedVersion) Value() int64 {
	if ev.value >= 0 {
		return ev.value
	}
	return 0
}

// Matches reports whether current satisfies the expectation.
func (ev ExpectedVersion) Matches(current int64) bool {
	return ev.IsAny() || ev.value == current
}

func (ev ExpectedVersion) String() string {
	if ev.IsAny() {
		return "Any"
	}
	return fmt.Sprintf("Exact(%d)", ev.value)
}
