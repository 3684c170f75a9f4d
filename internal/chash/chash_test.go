package chash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsistentHash(t *testing.T) {
	tests := []struct {
		name                string
		initialSize         uint32
		valuesToAdd         []string
		additionalValues    []string
		valuesToRemove      []string
		keys                []uint64
		expectedHashesStep1 []string
		expectedHashesStep2 []string
		expectedHashesStep3 []string
	}{
		{
			name:                "Single value",
			initialSize:         65537,
			valuesToAdd:         []string{"backend1"},
			keys:                []uint64{1, 2, 3},
			expectedHashesStep1: []string{"backend1", "backend1", "backend1"},
		},
		{
			name:                "Multiple values",
			initialSize:         65537,
			valuesToAdd:         []string{"backend1", "backend2", "backend3"},
			keys:                []uint64{0, 1, 18},
			expectedHashesStep1: []string{"backend1", "backend3", "backend2"},
		},
		{
			name:                "Remove value",
			initialSize:         65537,
			valuesToAdd:         []string{"backend1", "backend2", "backend3"},
			valuesToRemove:      []string{"backend2"},
			keys:                []uint64{0, 1, 18},
			expectedHashesStep1: []string{"backend1", "backend3", "backend2"},
			expectedHashesStep3: []string{"backend1", "backend3", "backend3"},
		},
		{
			name:                "Rehash after adding more values",
			initialSize:         65537,
			valuesToAdd:         []string{"backend1", "backend2"},
			additionalValues:    []string{"backend3", "backend4"},
			keys:                []uint64{0, 1, 18, 21},
			expectedHashesStep1: []string{"backend1", "backend2", "backend2", "backend1"},
			expectedHashesStep2: []string{"backend4", "backend3", "backend2", "backend1"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ch := NewConsistentHash(test.initialSize)

			if len(test.valuesToAdd) > 0 {
				ch.Add(test.valuesToAdd...)
			}
			for i, key := range test.keys {
				assert.Equal(t, test.expectedHashesStep1[i], ch.Hash(key), "mismatch for key %d in step 1", key)
			}

			if test.additionalValues != nil {
				ch.Add(test.additionalValues...)
				for i, key := range test.keys {
					assert.Equal(t, test.expectedHashesStep2[i], ch.Hash(key), "mismatch for key %d in step 2", key)
				}
			}

			if len(test.valuesToRemove) > 0 {
				ch.Remove(test.valuesToRemove...)
				for i, key := range test.keys {
					assert.Equal(t, test.expectedHashesStep3[i], ch.Hash(key), "mismatch for key %d in step 3", key)
				}
			}
		})
	}
}

func TestSubsetBounded(t *testing.T) {
	ch := NewConsistentHash(997)
	ch.Add("http://b1/health", "http://b2/health", "http://b3/health", "http://b4/health", "http://b5/health")

	subset := Subset(ch, 0, 2)
	assert.LessOrEqual(t, len(subset), 2)

	seen := make(map[string]bool)
	for _, v := range subset {
		assert.False(t, seen[v], "subset must be distinct")
		seen[v] = true
	}
}

func TestSubsetEmptyWhenNoValues(t *testing.T) {
	ch := NewConsistentHash(997)
	assert.Empty(t, Subset(ch, 0, 3))
}
