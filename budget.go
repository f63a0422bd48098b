package ruminate

import "fmt"

// Allocate splits a total token budget across the given stages by their
// fractional weights. Each cap is floor(total x weight). When the total is
// at least the stage count, zero caps are raised to 1 and the deficit is
// taken from the largest caps, so the sum of caps never exceeds the total.
//
// Allocation is deterministic and pure. The only error condition is a
// non-positive total.
func Allocate(total int, list []Stage) ([]int, error) {
	if total <= 0 {
		return nil, fmt.Errorf("token budget must be positive, got %d", total)
	}

	caps := make([]int, len(list))
	sum := 0
	for i, s := range list {
		caps[i] = int(float64(total) * s.Weight)
		sum += caps[i]
	}

	if total < len(list) {
		// Not enough budget to guarantee every stage a token.
		return caps, nil
	}

	// Raise zero caps to 1.
	for i := range caps {
		if caps[i] == 0 {
			caps[i] = 1
			sum++
		}
	}

	// Take any resulting overshoot from the largest caps.
	for sum > total {
		largest := 0
		for i := range caps {
			if caps[i] > caps[largest] {
				largest = i
			}
		}
		if caps[largest] <= 1 {
			break
		}
		caps[largest]--
		sum--
	}

	return caps, nil
}
