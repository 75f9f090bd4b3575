package ratelimit

// Actor is whoever performs a rate limited action.
type Actor interface {
	// ActorID identifies the actor in limiter keys.
	ActorID() string
	// Privileged actors, such as staff, bypass limits unless told otherwise.
	Privileged() bool
}

// User is a plain Actor.
type User struct {
	ID    string
	Staff bool
}

func (u User) ActorID() string { return u.ID }
func (u User) Privileged() bool { return u.Staff }

// Compile-time check.
var _ Actor = User{}
