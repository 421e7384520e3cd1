package db

import (
	"encoding/json"
	"fmt"

	"github.com/jonathan/revalidate/internal/types"
)

// resultCols holds the four nullable columns of a race result.
type resultCols struct {
	NbCheckpoints *int
	NbRespawns    *int
	Time          *int32
	Score         *int
}

func (c *resultCols) dest() []any {
	return []any{&c.NbCheckpoints, &c.NbRespawns, &c.Time, &c.Score}
}

// result returns nil when every column is NULL.
func (c resultCols) result() *types.RaceResult {
	r := types.RaceResult{NbCheckpoints: c.NbCheckpoints, NbRespawns: c.NbRespawns, Time: c.Time, Score: c.Score}
	if r.IsZero() {
		return nil
	}
	return &r
}

func resultArgs(r *types.RaceResult) []any {
	if r == nil {
		return []any{nil, nil, nil, nil}
	}
	return []any{r.NbCheckpoints, r.NbRespawns, r.Time, r.Score}
}

func marshalBag(b types.Bag) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal messages: %w", err)
	}
	return data, nil
}

func unmarshalBag(data []byte) types.Bag {
	if len(data) == 0 {
		return nil
	}
	var b types.Bag
	_ = json.Unmarshal(data, &b)
	return b
}
