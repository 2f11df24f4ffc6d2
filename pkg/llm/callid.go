package llm

import "github.com/google/uuid"

// NewCallID generates a call id for vendors that omit one.
func NewCallID() string {
	return "call_" + uuid.NewString()
}

// EnsureCallIDs rewrites the action calls in items so every call id is
// non-empty and unique within items. The first occurrence of an id keeps it.
func EnsureCallIDs(items []Item) []Item {
	seen := make(map[string]bool)
	for i, item := range items {
		c, ok := item.(ActionCall)
		if !ok {
			continue
		}
		if c.CallID == "" || seen[c.CallID] {
			c.CallID = NewCallID()
			items[i] = c
		}
		seen[c.CallID] = true
	}
	return items
}
