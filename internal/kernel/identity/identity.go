// Package identity models the principal a task runs as.
package identity

import (
	"context"
	"strings"
)

// Identity is an opaque principal. Two identities are equal when their names are.
type Identity struct {
	name string
}

// New returns the identity named name.
func New(name string) Identity { return Identity{name: strings.TrimSpace(name)} }

func (i Identity) Name() string   { return i.name }
func (i Identity) IsZero() bool   { return i.name == "" }
func (i Identity) String() string { return i.name }

// AppContext references the application a task belongs to.
type AppContext interface {
	AppName() string
}

type appContext struct{ name string }

func (a appContext) AppName() string { return a.name }

// NewAppContext returns an immutable AppContext for the named application.
func NewAppContext(name string) AppContext { return appContext{name: name} }

// Owner is the identity plus the application context a task executes under.
type Owner struct {
	Identity Identity
	App      AppContext
}

// System is the owner used for kernel-internal work.
var System = Owner{Identity: New("system"), App: NewAppContext("txkernel")}

func (o Owner) String() string {
	app := ""
	if o.App != nil {
		app = o.App.AppName()
	}
	if app == "" {
		return o.Identity.Name()
	}
	return o.Identity.Name() + "@" + app
}

type ownerKey struct{}

// WithOwner returns a child context carrying owner. The parent's owner is
// untouched, so discarding the child restores it.
func WithOwner(ctx context.Context, owner Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the owner bound to ctx, if any.
func OwnerFromContext(ctx context.Context) (Owner, bool) {
	if ctx == nil {
		return Owner{}, false
	}
	o, ok := ctx.Value(ownerKey{}).(Owner)
	return o, ok
}
