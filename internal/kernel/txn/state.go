package txn

// State is the position of a transaction in the commit protocol.
type State int32

const (
	Active State = iota
	Preparing
	Prepared
	Committing
	Committed
	Aborting
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Preparing:
		return "preparing"
	case Prepared:
		return "prepared"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Aborting:
		return "aborting"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further protocol step is possible.
func (s State) Terminal() bool { return s == Committed || s == Aborted }

// abortable reports whether Abort may start from s.
func (s State) abortable() bool { return s == Active || s == Preparing || s == Prepared }
