package engine

import (
	"context"
	"testing"
	"time"
)

func TestResolveStatusNeverActivated(t *testing.T) {
	e, _ := newTestEngine(t)

	status, err := e.ResolveStatus(context.Background(), "dev-none")
	if err != nil {
		t.Fatalf("ResolveStatus: %v", err)
	}
	if status.IsActivated {
		t.Error("expected IsActivated=false")
	}
	if status.CurrentActivation != nil {
		t.Error("expected no current activation")
	}
	if status.HasExpiredActivations {
		t.Error("expected HasExpiredActivations=false")
	}
	if len(status.History) != 0 {
		t.Errorf("expected empty history, got %d rows", len(status.History))
	}
}

func TestResolveStatusActive(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	c := seedCode(t, st, "ABCDEFGHJKMNPQRSTUVW", nil)

	if _, err := e.Redeem(ctx, c.Code, "dev-1"); err != nil {
		t.Fatalf("Redeem: %v", err)
	}

	status, err := e.ResolveStatus(ctx, "dev-1")
	if err != nil {
		t.Fatalf("ResolveStatus: %v", err)
	}
	if !status.IsActivated {
		t.Fatal("expected IsActivated=true")
	}
	if status.CurrentActivation == nil || status.CurrentActivation.ID != c.ID {
		t.Errorf("CurrentActivation = %+v, want code %d", status.CurrentActivation, c.ID)
	}
	if status.HasExpiredActivations {
		t.Error("expected HasExpiredActivations=false")
	}
	if len(status.History) != 1 {
		t.Errorf("history length = %d, want 1", len(status.History))
	}
}

func TestResolveStatusLapsed(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	c := seedCode(t, st, "ABCDEFGHJKMNPQRSTUVW", timePtr(time.Now().UTC().Add(time.Hour)))

	if _, err := e.Redeem(ctx, c.Code, "dev-1"); err != nil {
		t.Fatalf("Redeem: %v", err)
	}

	e.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	status, err := e.ResolveStatus(ctx, "dev-1")
	if err != nil {
		t.Fatalf("ResolveStatus: %v", err)
	}
	if status.IsActivated {
		t.Error("lapsed device should not be activated")
	}
	if !status.HasExpiredActivations {
		t.Error("expected HasExpiredActivations=true")
	}
	if len(status.History) != 1 {
		t.Errorf("history length = %d, want 1", len(status.History))
	}
}

func TestResolveStatusPicksMostRecentValid(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	first := seedCode(t, st, "AAAAAAAAAAAAAAAAAAAA", timePtr(time.Now().UTC().Add(time.Hour)))
	if _, err := e.Redeem(ctx, first.Code, "dev-1"); err != nil {
		t.Fatalf("Redeem first: %v", err)
	}

	// First activation lapses, device redeems again.
	e.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	second := seedCode(t, st, "BBBBBBBBBBBBBBBBBBBB", nil)
	if _, err := e.Redeem(ctx, second.Code, "dev-1"); err != nil {
		t.Fatalf("Redeem second: %v", err)
	}

	status, err := e.ResolveStatus(ctx, "dev-1")
	if err != nil {
		t.Fatalf("ResolveStatus: %v", err)
	}
	if !status.IsActivated {
		t.Fatal("expected IsActivated=true")
	}
	if status.CurrentActivation.ID != second.ID {
		t.Errorf("CurrentActivation.ID = %d, want %d", status.CurrentActivation.ID, second.ID)
	}
	if !status.HasExpiredActivations {
		t.Error("expected HasExpiredActivations=true alongside active state")
	}
	if len(status.History) != 2 {
		t.Errorf("history length = %d, want 2", len(status.History))
	}
	if status.History[0].ID != second.ID {
		t.Errorf("history[0].ID = %d, want most recent %d", status.History[0].ID, second.ID)
	}
}
