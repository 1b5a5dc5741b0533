package admission

import "github.com/iwanhae/netblocker/types"

// IsExempt reports whether id skips ban checks. Only levels strictly above
// the threshold are exempt.
func IsExempt(id types.ConnectingIdentity, threshold int) bool {
	return id.Level > threshold
}
