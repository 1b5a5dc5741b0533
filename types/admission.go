package types

import "fmt"

// ConnectingIdentity is the normalized view of a client that is connecting.
type ConnectingIdentity struct {
	Address string
	Name    string
	Level   int
}

type Verdict int

const (
	Accept Verdict = iota
	Reject
)

func (v Verdict) String() string {
	if v == Reject {
		return "reject"
	}
	return "accept"
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Verdict Verdict
	Reason  string
	Kind    BanKind // NoBan unless Verdict is Reject
}

func (d Decision) Rejected() bool { return d.Verdict == Reject }

// KickMessage is the message shown to a refused client.
func KickMessage(id ConnectingIdentity, kind BanKind) string {
	return fmt.Sprintf("Netblocker: Client refused: %s (%s) has an active %s", id.Address, id.Name, kind)
}
