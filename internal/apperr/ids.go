package apperr

import "github.com/google/uuid"

// CheckID rejects empty or non-UUID ids before they reach a store.
func CheckID(op, field, id string) error {
	if id == "" {
		return BadInput(op, field+" is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return BadInput(op, field+" is not a valid id")
	}
	return nil
}

// CheckPair validates two user ids and rejects a self-referential pair.
func CheckPair(op, a, b string) error {
	if err := CheckID(op, "user1_id", a); err != nil {
		return err
	}
	if err := CheckID(op, "user2_id", b); err != nil {
		return err
	}
	if a == b {
		return BadInput(op, "users must be different")
	}
	return nil
}
