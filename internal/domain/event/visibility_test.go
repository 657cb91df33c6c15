package event

import (
	"testing"
	"time"
)

func TestFilterVisible(t *testing.T) {
	now := time.Now()
	events := []*Event{
		{Visibility: VisibilityVisible},
		{Visibility: VisibilityHidden},
		{Visibility: VisibilityPending},
		{Visibility: VisibilityVisible, DeletedAt: &now, RetractionReason: "duplicate"},
	}

	t.Run("owner sees everything", func(t *testing.T) {
		got, withheld := FilterVisible(events, true)
		if len(got) != 4 {
			t.Fatalf("owner got %d events, want 4", len(got))
		}
		if withheld {
			t.Error("nothing is withheld from the owner")
		}
	})

	t.Run("others lose hidden and pending", func(t *testing.T) {
		got, withheld := FilterVisible(events, false)
		if len(got) != 2 {
			t.Fatalf("got %d events, want 2", len(got))
		}
		if !withheld {
			t.Error("filtering must raise the withheld flag")
		}
		for _, e := range got {
			if e.Visibility != VisibilityVisible {
				t.Errorf("leaked %s event", e.Visibility)
			}
		}
	})

	t.Run("retracted events survive with their marker", func(t *testing.T) {
		got, _ := FilterVisible(events, false)
		found := false
		for _, e := range got {
			if e.Retracted() && e.RetractionReason == "duplicate" {
				found = true
			}
		}
		if !found {
			t.Error("retracted event should be kept for non-owners too")
		}
	})

	t.Run("no withheld flag on clean sets", func(t *testing.T) {
		_, withheld := FilterVisible([]*Event{{Visibility: VisibilityVisible}}, false)
		if withheld {
			t.Error("unexpected withheld flag")
		}
	})
}
