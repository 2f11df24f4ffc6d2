package llm

// Placeholder replaces observation images outside the live conversation.
const Placeholder = "[omitted]"

// Sanitize returns item with any observation image replaced by Placeholder.
// Applying it twice yields the same item.
func Sanitize(item Item) Item {
	r, ok := item.(ActionResult)
	if !ok || r.Observation == nil || r.Observation.Image == "" || r.Observation.Image == Placeholder {
		return item
	}
	obs := *r.Observation
	obs.Image = Placeholder
	r.Observation = &obs
	return r
}

// SanitizeAll sanitizes every item into a new slice.
func SanitizeAll(items []Item) []Item {
	out := make([]Item, len(items))
	for i, item := range items {
		out[i] = Sanitize(item)
	}
	return out
}
