package session

// State is the fine-grained SMTP protocol state, expressed as a Go sum
// type so an invalid State value cannot be constructed by normal control
// flow.
type State int

const (
	StateNew State = iota
	StateConnected
	StateTLS
	StateHelo
	StateAuthInit
	StateAuthUsername
	StateAuthPassword
	StateAuthFinalize
	StateBody
	StateQuit
)

var stateNames = [...]string{
	StateNew:          "new",
	StateConnected:    "connected",
	StateTLS:          "tls",
	StateHelo:         "helo",
	StateAuthInit:     "auth-init",
	StateAuthUsername: "auth-username",
	StateAuthPassword: "auth-password",
	StateAuthFinalize: "auth-finalize",
	StateBody:         "body",
	StateQuit:         "quit",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Phase is the coarse transaction lifecycle, orthogonal to State.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseSetup
	PhaseTransaction
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseSetup:
		return "setup"
	case PhaseTransaction:
		return "transaction"
	default:
		return "unknown"
	}
}

// DStatus is the delivery-status bitset for the current message body.
type DStatus uint8

const (
	DStatusTempfail DStatus = 1 << 0
	DStatusPermfail DStatus = 1 << 1
)

func (d DStatus) Has(bit DStatus) bool { return d&bit != 0 }
func (d *DStatus) Set(bit DStatus)     { *d |= bit }
