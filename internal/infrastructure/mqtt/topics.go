package mqtt

import (
	"fmt"
	"strings"
)

// Wildcard characters of MQTT topic filters.
const (
	SingleLevelWildcard = "+"
	MultiLevelWildcard  = "#"
	levelSeparator      = "/"
)

// HasWildcard reports whether topic contains a + or # character.
func HasWildcard(topic string) bool {
	return strings.ContainsAny(topic, SingleLevelWildcard+MultiLevelWildcard)
}

// ValidateTopic checks that topic is usable as a publish target:
// non-empty and without wildcards.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	}
	if HasWildcard(topic) {
		return fmt.Errorf("%w: %q contains wildcards", ErrInvalidTopic, topic)
	}
	return nil
}

// ValidateFilter checks subscription filter syntax: + must occupy a whole
// level, # must occupy the whole last level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: filter cannot be empty", ErrInvalidFilter)
	}

	levels := strings.Split(filter, levelSeparator)
	for i, level := range levels {
		switch {
		case level == MultiLevelWildcard:
			if i != len(levels)-1 {
				return fmt.Errorf("%w: %q has # before the last level", ErrInvalidFilter, filter)
			}
		case level == SingleLevelWildcard:
		case HasWildcard(level):
			return fmt.Errorf("%w: %q mixes a wildcard with text in level %q", ErrInvalidFilter, filter, level)
		}
	}
	return nil
}

// Match reports whether a concrete topic matches a subscription filter.
//
// Levels are compared one by one; + matches exactly one level and #
// matches the remaining levels including none ("a/#" matches "a").
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}

	f := strings.Split(filter, levelSeparator)
	t := strings.Split(topic, levelSeparator)

	for i, level := range f {
		if level == MultiLevelWildcard {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != SingleLevelWildcard && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// Specificity ranks filters for "most specific match wins" lookups:
// exact topics rank highest, then filters with more literal levels.
func Specificity(filter string) int {
	if !HasWildcard(filter) {
		return 1 << 16
	}
	score := 0
	for _, level := range strings.Split(filter, levelSeparator) {
		switch level {
		case MultiLevelWildcard:
		case SingleLevelWildcard:
			score++
		default:
			score += 4
		}
	}
	return score
}

// Topics provides builders for the factory's well-known MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.ModuleState("SVR3QA0022") // "module/v1/ff/SVR3QA0022/state"
type Topics struct{}

// =============================================================================
// CCU Topics
// =============================================================================

// CCUOrderActive carries the list of running orders.
func (Topics) CCUOrderActive() string { return "ccu/order/active" }

// CCUOrderCompleted carries orders that just finished.
func (Topics) CCUOrderCompleted() string { return "ccu/order/completed" }

// CCUOrderRequest accepts new order requests from the dashboard.
func (Topics) CCUOrderRequest() string { return "ccu/order/request" }

// =============================================================================
// Module Topics
// =============================================================================

// ModuleState returns the state topic of a module.
func (Topics) ModuleState(serial string) string {
	return fmt.Sprintf("module/v1/ff/%s/state", serial)
}

// ModuleConnection returns the connection topic of a module.
func (Topics) ModuleConnection(serial string) string {
	return fmt.Sprintf("module/v1/ff/%s/connection", serial)
}

// ModuleOrder returns the order topic of a module.
func (Topics) ModuleOrder(serial string) string {
	return fmt.Sprintf("module/v1/ff/%s/order", serial)
}

// ModuleInstantAction returns the instant action topic of a module.
func (Topics) ModuleInstantAction(serial string) string {
	return fmt.Sprintf("module/v1/ff/%s/instantAction", serial)
}

// ModuleFactsheet returns the factsheet topic of a module.
func (Topics) ModuleFactsheet(serial string) string {
	return fmt.Sprintf("module/v1/ff/%s/factsheet", serial)
}

// =============================================================================
// TXT Controller Topics
// =============================================================================

// TXTInput returns an input topic of a TXT controller, for example
// "/j1/txt/1/i/bme680".
func (Topics) TXTInput(controller int, name string) string {
	return fmt.Sprintf("/j1/txt/%d/i/%s", controller, name)
}

// TXTStock returns the warehouse stock topic published by a TXT controller.
func (Topics) TXTStock(controller int) string {
	return fmt.Sprintf("/j1/txt/%d/f/i/stock", controller)
}
