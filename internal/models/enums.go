package models

import (
	"fmt"
	"strings"
)

// Commodity is a tradable metal
type Commodity uint8

const (
	Gold Commodity = iota + 1
	Silver
)

// Commodities lists every tradable commodity in a stable order
var Commodities = []Commodity{Gold, Silver}

var commodityTokens = map[Commodity]string{
	Gold:   "gold",
	Silver: "silver",
}

func (c Commodity) Valid() bool {
	_, ok := commodityTokens[c]
	return ok
}

func (c Commodity) String() string {
	if s, ok := commodityTokens[c]; ok {
		return s
	}
	return fmt.Sprintf("commodity(%d)", uint8(c))
}

// ParseCommodity maps a storage or wire token to a Commodity
func ParseCommodity(s string) (Commodity, error) {
	for c, tok := range commodityTokens {
		if strings.EqualFold(s, tok) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown commodity %q", s)
}

func (c Commodity) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid commodity %d", uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *Commodity) UnmarshalText(b []byte) error {
	v, err := ParseCommodity(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Action is the side of a trade
type Action uint8

const (
	Buy Action = iota + 1
	Sell
)

func (a Action) Valid() bool { return a == Buy || a == Sell }

func (a Action) String() string {
	switch a {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// ParseAction maps "buy" or "sell" to an Action
func ParseAction(s string) (Action, error) {
	switch {
	case strings.EqualFold(s, "buy"):
		return Buy, nil
	case strings.EqualFold(s, "sell"):
		return Sell, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

func (a Action) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid action %d", uint8(a))
	}
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(b []byte) error {
	v, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// OrderKind selects how a pending order's trigger is interpreted
type OrderKind uint8

const (
	Limit OrderKind = iota + 1
	StopLoss
)

func (k OrderKind) Valid() bool { return k == Limit || k == StopLoss }

func (k OrderKind) String() string {
	switch k {
	case Limit:
		return "Limit"
	case StopLoss:
		return "StopLoss"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseOrderKind maps "Limit" or "StopLoss" to an OrderKind
func ParseOrderKind(s string) (OrderKind, error) {
	switch {
	case strings.EqualFold(s, "Limit"):
		return Limit, nil
	case strings.EqualFold(s, "StopLoss"):
		return StopLoss, nil
	}
	return 0, fmt.Errorf("unknown order kind %q", s)
}

func (k OrderKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid order kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *OrderKind) UnmarshalText(b []byte) error {
	v, err := ParseOrderKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// OrderStatus is the lifecycle state of a pending order.
// Only Pending may transition; every other status is terminal.
type OrderStatus uint8

const (
	Pending OrderStatus = iota + 1
	Executed
	Canceled
	Expired
	Failed
)

var statusTokens = map[OrderStatus]string{
	Pending:  "Pending",
	Executed: "Executed",
	Canceled: "Canceled",
	Expired:  "Expired",
	Failed:   "Failed",
}

func (s OrderStatus) Valid() bool {
	_, ok := statusTokens[s]
	return ok
}

// Terminal reports whether the status can no longer change
func (s OrderStatus) Terminal() bool { return s.Valid() && s != Pending }

func (s OrderStatus) String() string {
	if tok, ok := statusTokens[s]; ok {
		return tok
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseOrderStatus maps a status token to an OrderStatus
func ParseOrderStatus(s string) (OrderStatus, error) {
	for st, tok := range statusTokens {
		if strings.EqualFold(s, tok) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown order status %q", s)
}

func (s OrderStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid order status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *OrderStatus) UnmarshalText(b []byte) error {
	v, err := ParseOrderStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
