package helper

import "github.com/google/uuid"

// GenerateUID creates an identifier for transfer tickets and test
// fixtures.
func GenerateUID() string {
	return uuid.New().String()
}

// MaxUint64 returns the largest of the given values.
func MaxUint64(values ...uint64) uint64 {
	var max uint64
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	return max
}
