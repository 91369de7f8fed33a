// Package scope turns a scope descriptor into a concrete file set and
// partitions oversized scopes into locality-preserving chunks.
package scope

import (
	"fmt"
	"strings"
)

// Kind is the descriptor variant tag.
type Kind string

const (
	KindFeature  Kind = "feature"
	KindCross    Kind = "cross"
	KindFreeform Kind = "freeform"
)

// Descriptor identifies the region of the codebase a run operates on.
// The CLI accepts "feature:<name>", "cross:<category>", or "freeform:<text>";
// bare text is treated as freeform.
type Descriptor struct {
	Kind  Kind
	Value string
}

// ParseDescriptor parses the CLI scope argument.
func ParseDescriptor(raw string) (Descriptor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Descriptor{}, fmt.Errorf("empty scope descriptor")
	}
	kind, value, found := strings.Cut(raw, ":")
	if !found {
		return Descriptor{Kind: KindFreeform, Value: raw}, nil
	}
	value = strings.TrimSpace(value)
	switch Kind(kind) {
	case KindFeature, KindCross, KindFreeform:
		if value == "" {
			return Descriptor{}, fmt.Errorf("scope descriptor %q has empty value", raw)
		}
		return Descriptor{Kind: Kind(kind), Value: value}, nil
	}
	// Unknown prefix: the whole string is freeform text.
	return Descriptor{Kind: KindFreeform, Value: raw}, nil
}

// Slug returns a filesystem-safe identifier for the descriptor, used as the
// run directory key and in commit messages.
func (d Descriptor) Slug() string {
	s := strings.ToLower(string(d.Kind) + "-" + d.Value)
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func (d Descriptor) String() string {
	return string(d.Kind) + ":" + d.Value
}
