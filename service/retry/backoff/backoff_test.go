package backoff

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstant(t *testing.T) {
	s := Constant(time.Second)
	for i := uint(1); i < 5; i++ {
		assert.Equal(t, time.Second, s(i))
	}
}

func TestExponential(t *testing.T) {
	s := Exponential(2*time.Second, 3)
	assert.Equal(t, 2*time.Second, s(1))
	assert.Equal(t, 6*time.Second, s(2))
	assert.Equal(t, 18*time.Second, s(3))
	assert.Equal(t, 54*time.Second, s(4))

	// attempt 0 is treated as the first attempt
	assert.Equal(t, 2*time.Second, s(0))

	// overflow saturates instead of going negative
	assert.Equal(t, time.Duration(math.MaxInt64), s(200))
}

func TestBinaryExponential(t *testing.T) {
	s := BinaryExponential(500 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, s(1))
	assert.Equal(t, time.Second, s(2))
	assert.Equal(t, 2*time.Second, s(3))
}

func TestCapped(t *testing.T) {
	s := Capped(BinaryExponential(time.Second), 4*time.Second)
	assert.Equal(t, time.Second, s(1))
	assert.Equal(t, 2*time.Second, s(2))
	assert.Equal(t, 4*time.Second, s(3))
	assert.Equal(t, 4*time.Second, s(4))
	assert.Equal(t, 4*time.Second, s(100))
}
