// Package rank holds the hot-sort scoring formula. The SQL expression and the
// Go function must stay equivalent; the tests pin both against the same
// fixtures.
package rank

import "math"

// MinAgeDays floors the age term so brand-new posts do not divide by a near
// zero value and swamp the feed.
const MinAgeDays = 1.0

// HotScore blends engagement with recency decay:
//
//	(upvotes + 2*comments) / max(ageDays, 1)
func HotScore(upvotes, comments int, ageDays float64) float64 {
	return float64(upvotes+2*comments) / math.Max(ageDays, MinAgeDays)
}

// HotScoreSQL is the same formula as a Postgres expression over a posts row
// aliased p, with comment_count available from the surrounding query.
const HotScoreSQL = `(p.upvotes + comment_count * 2)::float / GREATEST(EXTRACT(EPOCH FROM (NOW() - p.created_at)) / 86400.0, 1.0)`
