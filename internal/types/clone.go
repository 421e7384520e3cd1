package types

// Clone returns a copy of the result with its own field pointers.
func (r *RaceResult) Clone() *RaceResult {
	if r == nil {
		return nil
	}
	return &RaceResult{
		NbCheckpoints: clonePtr(r.NbCheckpoints),
		NbRespawns:    clonePtr(r.NbRespawns),
		Time:          clonePtr(r.Time),
		Score:         clonePtr(r.Score),
	}
}

// Clone returns a deep copy of the run.
func (d *DistroRun) Clone() *DistroRun {
	if d == nil {
		return nil
	}
	c := *d
	c.StartedAt = clonePtr(d.StartedAt)
	c.CompletedAt = clonePtr(d.CompletedAt)
	c.IsValid = clonePtr(d.IsValid)
	c.IsValidExtracted = clonePtr(d.IsValidExtracted)
	c.Declared = d.Declared.Clone()
	c.Validated = d.Validated.Clone()
	c.AccountID = clonePtr(d.AccountID)
	c.InputsResult = clonePtr(d.InputsResult)
	c.Desc = clonePtr(d.Desc)
	c.LogID = clonePtr(d.LogID)
	return &c
}

// Clone returns a deep copy of the job. Blobs and the map are shared because
// they are immutable once stored.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.FileName = clonePtr(j.FileName)
	c.Declared = *j.Declared.Clone()
	c.Validated = j.Validated.Clone()
	c.IsValid = clonePtr(j.IsValid)
	c.IsValidExtracted = clonePtr(j.IsValidExtracted)
	c.Checkpoints = append([]Checkpoint(nil), j.Checkpoints...)
	c.Inputs = append([]Input(nil), j.Inputs...)
	c.Problems = j.Problems.Clone()
	c.StartedAt = clonePtr(j.StartedAt)
	c.CompletedAt = clonePtr(j.CompletedAt)
	c.Distros = make([]*DistroRun, 0, len(j.Distros))
	for _, d := range j.Distros {
		c.Distros = append(c.Distros, d.Clone())
	}
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
