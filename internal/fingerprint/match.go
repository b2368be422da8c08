package fingerprint

// DefaultThreshold is the score a best candidate must exceed to count as a
// match.
const DefaultThreshold = 80.0

// Score compares a and b byte-for-byte over the length of the shorter one and
// returns the percentage of equal positions, in [0,100]. There is no
// alignment or shifting. An empty template scores 0 against anything.
func Score(a, b []byte) float64 {
	shorter, longer := a, b
	if len(b) < len(a) {
		shorter, longer = b, a
	}
	if len(shorter) == 0 {
		return 0
	}

	matches := 0
	for i := range shorter {
		if shorter[i] == longer[i] {
			matches++
		}
	}
	return float64(matches) / float64(len(shorter)) * 100
}

// Candidate is a stored template eligible for identification.
type Candidate struct {
	Name     string
	Template Template
}

// Scored is the score one candidate reached against a query.
type Scored struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Identification is the outcome of Identify.
type Identification struct {
	Matched bool
	Best    Scored
	Scores  []Scored
}

// Identify scores query against every candidate in order. Only a strictly
// higher score displaces the current best, so ties go to the earlier
// candidate. The best is accepted only if its score is strictly greater than
// threshold.
func Identify(query Template, candidates []Candidate, threshold float64) Identification {
	var (
		res   Identification
		found bool
	)
	res.Scores = make([]Scored, 0, len(candidates))

	for _, c := range candidates {
		s := Scored{Name: c.Name, Score: Score(query, c.Template)}
		res.Scores = append(res.Scores, s)
		if !found || s.Score > res.Best.Score {
			res.Best = s
			found = true
		}
	}

	res.Matched = found && res.Best.Score > threshold
	return res
}
