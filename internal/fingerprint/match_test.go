package fingerprint

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreIdentical(t *testing.T) {
	a := []byte{0x01, 0x02, 0x03, 0x04}
	assert.Equal(t, 100.0, Score(a, a))
}

func TestScoreExample(t *testing.T) {
	a := []byte{0x01, 0x02, 0x03}
	b := []byte{0x01, 0xFF, 0x03}
	assert.InDelta(t, 66.67, Score(a, b), 0.01)
}

func TestScoreNormalisesByShorter(t *testing.T) {
	short := []byte{0x01, 0x02}
	long := []byte{0x01, 0x02, 0x09, 0x09, 0x09}
	assert.Equal(t, 100.0, Score(short, long))
	assert.Equal(t, 100.0, Score(long, short))
}

func TestScoreEmpty(t *testing.T) {
	assert.Equal(t, 0.0, Score(nil, []byte{0x01}))
}

func TestScoreSymmetricAndBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		a := make([]byte, 1+rng.Intn(40))
		b := make([]byte, 1+rng.Intn(40))
		for j := range a {
			a[j] = byte(rng.Intn(4))
		}
		for j := range b {
			b[j] = byte(rng.Intn(4))
		}

		s := Score(a, b)
		assert.Equal(t, s, Score(b, a))
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 100.0)
	}
}

func TestIdentify(t *testing.T) {
	query := Template{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	near := Template{1, 2, 3, 4, 5, 6, 7, 8, 9, 0}  // 90
	nearToo := Template{0, 2, 3, 4, 5, 6, 7, 8, 9, 10} // 90, evaluated later
	far := Template{9, 9, 9, 9, 9, 9, 9, 9, 9, 9}    // 10

	res := Identify(query, []Candidate{
		{Name: "far", Template: far},
		{Name: "near", Template: near},
		{Name: "near-too", Template: nearToo},
	}, DefaultThreshold)

	assert.True(t, res.Matched)
	assert.Equal(t, "near", res.Best.Name)
	assert.Len(t, res.Scores, 3)
}

func TestIdentifyThresholdIsStrict(t *testing.T) {
	query := Template{1, 2, 3, 4, 5}
	exactly80 := Template{1, 2, 3, 4, 0}

	res := Identify(query, []Candidate{{Name: "edge", Template: exactly80}}, DefaultThreshold)
	assert.False(t, res.Matched)
	assert.Equal(t, "edge", res.Best.Name)
	assert.InDelta(t, 80.0, res.Best.Score, 1e-9)
}

func TestIdentifyNoCandidates(t *testing.T) {
	res := Identify(Template{1}, nil, DefaultThreshold)
	assert.False(t, res.Matched)
	assert.Empty(t, res.Scores)
}
