package domain

// IdentityKind distinguishes anonymous guests from signed-in users.
type IdentityKind string

const (
	KindGuest         IdentityKind = "guest"
	KindAuthenticated IdentityKind = "authenticated"
)

// User is an account issued by the identity provider.
type User struct {
	UID         string `json:"uid"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	PhotoURL    string `json:"photoUrl,omitempty"`
}

// Identity is the active actor. Exactly one of GuestID or User is set.
type Identity struct {
	Kind    IdentityKind
	GuestID string
	User    *User
}

func GuestIdentity(guestID string) Identity {
	return Identity{Kind: KindGuest, GuestID: guestID}
}

func UserIdentity(u User) Identity {
	return Identity{Kind: KindAuthenticated, User: &u}
}

func (i Identity) IsGuest() bool { return i.Kind == KindGuest }

func (i Identity) IsAuthenticated() bool {
	return i.Kind == KindAuthenticated && i.User != nil && i.User.UID != ""
}

// Key is a stable string for the identity, unique across kinds.
func (i Identity) Key() string {
	switch {
	case i.IsAuthenticated():
		return "user:" + i.User.UID
	case i.IsGuest():
		return "guest:" + i.GuestID
	}
	return ""
}

// Equal reports whether both values name the same actor.
func (i Identity) Equal(o Identity) bool {
	return i.Key() == o.Key()
}
