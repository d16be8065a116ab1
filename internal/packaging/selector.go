package packaging

// CombinationSelector picks the packages to dispense from candidates that
// are already sorted by ascending efficiency
type CombinationSelector interface {
	SelectCombination(candidates []Candidate, quantityNeeded float64) []Candidate
}

// SingleBestSelector dispenses a single package size: the candidate with the
// lowest efficiency, first one winning ties
type SingleBestSelector struct{}

// SelectCombination implements CombinationSelector
func (SingleBestSelector) SelectCombination(candidates []Candidate, quantityNeeded float64) []Candidate {
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Efficiency < best.Efficiency {
			best = c
		}
	}

	best.QuantityNeeded = quantityNeeded
	best.PackagesRequired = packagesRequired(quantityNeeded, best.PackageSize)
	best.Efficiency = (best.TotalProvided() - quantityNeeded) / quantityNeeded
	return []Candidate{best}
}
