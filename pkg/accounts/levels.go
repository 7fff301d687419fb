package accounts

// AccessLevel orders accounts from ordinary players up through the staff tiers.
// Every limiter in the admission pipeline exempts accounts above AccessPlayer.
type AccessLevel int

const (
	AccessPlayer AccessLevel = iota
	AccessCounselor
	AccessGameMaster
	AccessSeer
	AccessAdministrator
	AccessOwner
)

// String returns a human-readable name for the access level.
func (l AccessLevel) String() string {
	switch l {
	case AccessPlayer:
		return "player"
	case AccessCounselor:
		return "counselor"
	case AccessGameMaster:
		return "gamemaster"
	case AccessSeer:
		return "seer"
	case AccessAdministrator:
		return "administrator"
	case AccessOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// IsStaff reports whether the level exceeds ordinary player access.
func (l AccessLevel) IsStaff() bool {
	return l > AccessPlayer
}

// ParseAccessLevel resolves a level name to its AccessLevel value.
func ParseAccessLevel(name string) (AccessLevel, bool) {
	for l := AccessPlayer; l <= AccessOwner; l++ {
		if l.String() == name {
			return l, true
		}
	}
	return AccessPlayer, false
}
