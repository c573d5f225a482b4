package scheduler

import (
	"testing"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func TestNewRejectsInvalidTimezone(t *testing.T) {
	_, err := New(Config{Timezone: "Not/AZone", Hour: 10, Minute: 0}, nil, nil, testLogger())
	if err == nil {
		t.Fatal("expected an error for an invalid timezone")
	}
}

func TestNewAcceptsEuropeRome(t *testing.T) {
	s, err := New(Config{Timezone: "Europe/Rome", Hour: 10, Minute: 0}, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.loc.String() != "Europe/Rome" {
		t.Fatalf("expected Europe/Rome location, got %v", s.loc)
	}
}
