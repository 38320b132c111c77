package matching

import "fmt"

// SelfTradePolicy decides what happens when both sides of a match share an owner.
// Owner 0 is anonymous and never triggers prevention.
type SelfTradePolicy uint8

const (
	SelfTradeAllow SelfTradePolicy = iota
	SelfTradeCancelResting
	SelfTradeCancelIncoming
)

// ModifyPolicy decides whether a modify may keep time priority.
type ModifyPolicy uint8

const (
	// ModifyLosePriority always cancels and re-enters the order.
	ModifyLosePriority ModifyPolicy = iota
	// ModifyKeepPriorityOnReduce reduces in place when the price is unchanged and the quantity shrinks.
	ModifyKeepPriorityOnReduce
)

// Policy groups the configurable matching rules.
type Policy struct {
	SelfTrade SelfTradePolicy
	Modify    ModifyPolicy
}

// ParseSelfTradePolicy maps a config value to a policy. Empty means allow.
func ParseSelfTradePolicy(s string) (SelfTradePolicy, error) {
	switch s {
	case "", "allow", "none":
		return SelfTradeAllow, nil
	case "cancel-resting":
		return SelfTradeCancelResting, nil
	case "cancel-incoming":
		return SelfTradeCancelIncoming, nil
	default:
		return SelfTradeAllow, fmt.Errorf("unknown self-trade policy: %s", s)
	}
}

// ParseModifyPolicy maps a config value to a policy. Empty means lose priority.
func ParseModifyPolicy(s string) (ModifyPolicy, error) {
	switch s {
	case "", "lose":
		return ModifyLosePriority, nil
	case "keep-on-reduce":
		return ModifyKeepPriorityOnReduce, nil
	default:
		return ModifyLosePriority, fmt.Errorf("unknown modify policy: %s", s)
	}
}

func (p Policy) selfTrade(incomingOwner, restingOwner uint32) bool {
	return p.SelfTrade != SelfTradeAllow && incomingOwner != 0 && incomingOwner == restingOwner
}
