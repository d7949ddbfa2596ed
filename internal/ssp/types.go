package ssp

// #region metrics
// Metrics is recomputed from the field on every Commit.
type Metrics struct {
	// Stability is 1 - sum/capacity. It is not clamped: -0.5 means the field
	// holds 150% of capacity.
	Stability  float64 `json:"stability"`
	Coherence  float64 `json:"coherence"`  // 1/(1+variance), in (0,1]
	Divergence float64 `json:"divergence"` // mean |f[i]-f[i-1]|, 0 for a single cell
}

// #endregion metrics

// #region collapse-result
// CollapseResult reports what one ApplyCollapseMask removed from the undecided
// field. DeltaToAdmit+DeltaToExclude equals Before-After up to rounding.
type CollapseResult struct {
	DeltaToAdmit   float64 `json:"delta_to_admit"`
	DeltaToExclude float64 `json:"delta_to_exclude"`
	Before         float64 `json:"before"`
	After          float64 `json:"after"`
}

// Removed returns the total mass taken out of the field.
func (r CollapseResult) Removed() float64 {
	return r.DeltaToAdmit + r.DeltaToExclude
}

// #endregion collapse-result
