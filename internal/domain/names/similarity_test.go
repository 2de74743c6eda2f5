package names

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimilarity_Identical(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("John Smith", "John Smith"))
	assert.Equal(t, 1.0, Similarity("john smith", "JOHN  SMITH"))
}

func TestSimilarity_ReversedWithComma(t *testing.T) {
	// Commas must not break tokenization: "Smith, John" is the same person.
	assert.Equal(t, 1.0, Similarity("John Smith", "Smith, John"))
	assert.Equal(t, 1.0, Similarity("Dr. John Smith", "Smith, John Dr"))
}

func TestSimilarity_PartialOverlap(t *testing.T) {
	// {JOHN, SMITH} vs {JOHN, MEYER}: 1 shared of 3 total.
	assert.InDelta(t, 1.0/3.0, Similarity("John Smith", "John Meyer"), 1e-9)
}

func TestSimilarity_NoOverlap(t *testing.T) {
	assert.Equal(t, 0.0, Similarity("John Smith", "Erika Mustermann"))
}

func TestSimilarity_Empty(t *testing.T) {
	assert.Equal(t, 0.0, Similarity("", "John Smith"))
	assert.Equal(t, 0.0, Similarity("John Smith", ""))
	assert.Equal(t, 0.0, Similarity("", ""))
	assert.Equal(t, 0.0, Similarity(", .", "John"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "SMITH JOHN", Normalize(" Smith,  John. "))
	assert.Equal(t, "", Normalize(", ."))
}
