package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	if err := (&RequestContext{SubjectID: "editor-1"}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := (&RequestContext{}).Validate(); err == nil {
		t.Error("Validate() on empty context should fail")
	}
}

func TestRequestContext_roundTrip(t *testing.T) {
	rctx := &RequestContext{SubjectID: "editor-1", Roles: []string{"editor"}}
	ctx := WithRequestContext(context.Background(), rctx)

	got := RequestContextFrom(ctx)
	if got != rctx {
		t.Fatalf("RequestContextFrom = %p, want %p", got, rctx)
	}
	if !got.HasRole("editor") {
		t.Error("HasRole(editor) = false")
	}
	if ActorID(ctx, "system") != "editor-1" {
		t.Errorf("ActorID = %q, want editor-1", ActorID(ctx, "system"))
	}
	if ActorID(context.Background(), "system") != "system" {
		t.Error("ActorID without context should return fallback")
	}
}
