package vault

import (
	"bytes"
	"encoding/json"
)

// Optional marks whether a patch field was supplied. A JSON null or a missing
// key leaves it unset.
type Optional[T any] struct {
	Value T
	Set   bool
}

func Some[T any](v T) Optional[T] { return Optional[T]{Value: v, Set: true} }

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Set {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = Optional[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// StrategyPatch is a partial update of strategy metadata. Counters and the
// fee are not patchable.
type StrategyPatch struct {
	Name        Optional[string] `json:"name"`
	Description Optional[string] `json:"description"`
	IsActive    Optional[bool]   `json:"is_active"`
}

func (p StrategyPatch) Empty() bool {
	return !p.Name.Set && !p.Description.Set && !p.IsActive.Set
}

func validateName(name string) error {
	if len(name) > MaxNameLength {
		return ErrNameTooLong
	}
	return nil
}

func validateDescription(desc string) error {
	if len(desc) > MaxDescriptionLength {
		return ErrDescriptionTooLong
	}
	return nil
}

func validateFee(bps uint16) error {
	if bps > MaxFeeBps {
		return ErrFeeTooHigh
	}
	return nil
}

// apply validates every supplied field before writing any of them.
func (p StrategyPatch) apply(s *Strategy) error {
	if p.Name.Set {
		if err := validateName(p.Name.Value); err != nil {
			return err
		}
	}
	if p.Description.Set {
		if err := validateDescription(p.Description.Value); err != nil {
			return err
		}
	}
	if p.Name.Set {
		s.Name = p.Name.Value
	}
	if p.Description.Set {
		s.Description = p.Description.Value
	}
	if p.IsActive.Set {
		s.IsActive = p.IsActive.Value
	}
	return nil
}
