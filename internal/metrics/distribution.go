package metrics

import "github.com/basket/tally/internal/model"

func StatusDistribution(tasks []model.TaskSnapshot) model.StatusDistribution {
	var d model.StatusDistribution
	for _, t := range tasks {
		if !t.Live() {
			continue
		}
		switch t.Status {
		case model.StatusPending:
			d.Pending++
		case model.StatusInProgress:
			d.InProgress++
		case model.StatusDone:
			d.Done++
		}
	}
	d.Total = d.Pending + d.InProgress + d.Done
	return d
}

// PriorityDistribution buckets live tasks by priority. Tasks without a
// priority count as medium.
func PriorityDistribution(tasks []model.TaskSnapshot) model.PriorityDistribution {
	var d model.PriorityDistribution
	for _, t := range tasks {
		if !t.Live() {
			continue
		}
		switch t.Priority {
		case model.PriorityLow:
			d.Low++
		case model.PriorityHigh:
			d.High++
		default:
			d.Medium++
		}
	}
	return d
}
