package storage

import (
	"encoding/json"
	"fmt"
)

// Reactions maps a reaction symbol to identities who applied it, in the order they applied it.
// A symbol is present only while at least one identity holds it.
type Reactions map[string][]string

// Has reports whether identity holds symbol
func (r Reactions) Has(symbol, identity string) bool {
	for _, v := range r[symbol] {
		if v == identity {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of r, never nil
func (r Reactions) Clone() Reactions {
	out := make(Reactions, len(r))
	for symbol, identities := range r {
		if len(identities) == 0 {
			continue
		}
		cp := make([]string, len(identities))
		copy(cp, identities)
		out[symbol] = cp
	}
	return out
}

// Toggle returns a copy of r where membership of identity in symbol is flipped.
// The receiver is left untouched.
func (r Reactions) Toggle(symbol, identity string) Reactions {
	out := r.Clone()

	identities := out[symbol]
	for i, v := range identities {
		if v != identity {
			continue
		}
		identities = append(identities[:i], identities[i+1:]...)
		if len(identities) == 0 {
			delete(out, symbol)
		} else {
			out[symbol] = identities
		}
		return out
	}

	out[symbol] = append(identities, identity)
	return out
}

// EncodeReactions and DecodeReactions are the only places aware of the serialized column form.
// Storage backends call them at the boundary; nothing else should.
func EncodeReactions(r Reactions) ([]byte, error) {
	if len(r) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode reactions: %w", err)
	}
	return b, nil
}

func DecodeReactions(b []byte) (Reactions, error) {
	var r Reactions
	if len(b) == 0 {
		return Reactions{}, nil
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode reactions: %w", err)
	}
	return r.Clone(), nil
}
