// Package rank provides the total orders over action codes, recipient types
// and delegation types used to decide which pending request is authoritative.
// All comparisons fail loudly on unknown codes; a silently mis-ranked code
// would mis-route documents.
package rank

import (
	"fmt"

	"docflow/internal/domain"
)

// InvalidCodeError reports a code outside the known rank table.
type InvalidCodeError struct {
	Kind string
	Code string
}

func (e InvalidCodeError) Error() string {
	return fmt.Sprintf("invalid %s code %q", e.Kind, e.Code)
}

// actionCodeRank orders action codes by responsibility, lowest first.
// blanket_approve sits above approve/complete so a recorded blanket approve
// counts as having satisfied either when matching previous actions.
var actionCodeRank = []string{
	domain.ActionFYI,
	domain.ActionAcknowledge,
	domain.ActionApprove,
	domain.ActionComplete,
	domain.ActionBlanketApprove,
}

var recipientTypeRank = []string{
	domain.RecipientRole,
	domain.RecipientGroup,
	domain.RecipientUser,
}

var delegationTypeRank = []string{
	domain.DelegationSecondary,
	domain.DelegationPrimary,
	domain.DelegationNone,
}

func indexOf(table []string, code string) int {
	for i, c := range table {
		if c == code {
			return i
		}
	}
	return -1
}

// CompareActionCode returns -1, 0 or 1 as code1 carries less, equal or more
// responsibility than code2. With completeAndApproveSame, approve and
// complete (and anything above them) compare equal; the flag is only for
// superseding decisions, not for deciding whether one action legally
// satisfies a request of the other kind.
func CompareActionCode(code1, code2 string, completeAndApproveSame bool) (int, error) {
	i1 := indexOf(actionCodeRank, code1)
	if i1 < 0 {
		return 0, InvalidCodeError{Kind: "action", Code: code1}
	}
	i2 := indexOf(actionCodeRank, code2)
	if i2 < 0 {
		return 0, InvalidCodeError{Kind: "action", Code: code2}
	}
	if completeAndApproveSame {
		cutoff := indexOf(actionCodeRank, domain.ActionApprove)
		if i1 > cutoff {
			i1 = cutoff
		}
		if i2 > cutoff {
			i2 = cutoff
		}
	}
	return compareInts(i1, i2), nil
}

// CompareRecipientType orders role < group < user.
func CompareRecipientType(type1, type2 string) (int, error) {
	i1 := indexOf(recipientTypeRank, type1)
	if i1 < 0 {
		return 0, InvalidCodeError{Kind: "recipient type", Code: type1}
	}
	i2 := indexOf(recipientTypeRank, type2)
	if i2 < 0 {
		return 0, InvalidCodeError{Kind: "recipient type", Code: type2}
	}
	return compareInts(i1, i2), nil
}

// CompareDelegationType orders secondary < primary < none. Empty compares
// as none for rows predating the delegation column.
func CompareDelegationType(type1, type2 string) (int, error) {
	if type1 == "" {
		type1 = domain.DelegationNone
	}
	if type2 == "" {
		type2 = domain.DelegationNone
	}
	i1 := indexOf(delegationTypeRank, type1)
	if i1 < 0 {
		return 0, InvalidCodeError{Kind: "delegation type", Code: type1}
	}
	i2 := indexOf(delegationTypeRank, type2)
	if i2 < 0 {
		return 0, InvalidCodeError{Kind: "delegation type", Code: type2}
	}
	return compareInts(i1, i2), nil
}

// ValidRequestedAction reports whether code may appear on an action request.
func ValidRequestedAction(code string) bool {
	switch code {
	case domain.ActionFYI, domain.ActionAcknowledge, domain.ActionApprove, domain.ActionComplete:
		return true
	}
	return false
}

// ValidTakenAction reports whether code may be recorded as an action taken.
func ValidTakenAction(code string) bool {
	if ValidRequestedAction(code) {
		return true
	}
	return code == domain.ActionDisapprove || code == domain.ActionBlanketApprove
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
