package identity

import (
	"context"
	"testing"
)

func TestIdentityEqualityByName(t *testing.T) {
	if New("alice") != New(" alice ") {
		t.Fatalf("identities with the same name must be equal")
	}
	if New("alice") == New("bob") {
		t.Fatalf("different names must differ")
	}
}

func TestOwnerContextNesting(t *testing.T) {
	outer := Owner{Identity: New("alice"), App: NewAppContext("game")}
	inner := Owner{Identity: New("bob"), App: NewAppContext("game")}

	if _, ok := OwnerFromContext(context.Background()); ok {
		t.Fatalf("background context should carry no owner")
	}

	ctx := WithOwner(context.Background(), outer)
	child := WithOwner(ctx, inner)

	if got, _ := OwnerFromContext(child); got.Identity != inner.Identity {
		t.Fatalf("child owner=%v", got)
	}
	if got, _ := OwnerFromContext(ctx); got.Identity != outer.Identity {
		t.Fatalf("parent owner changed: %v", got)
	}
	if s := outer.String(); s != "alice@game" {
		t.Fatalf("String()=%q", s)
	}
}
