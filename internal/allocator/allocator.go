// Package allocator splits a recipient batch across delivery channels.
package allocator

// Plan maps each channel position to the recipient indices it must serve, in
// assignment order.
type Plan struct {
	Assigned   [][]int
	Unassigned []int
	// Next is the cursor to pass to the following Allocate call.
	Next int
}

// Total returns the number of assigned recipients.
func (p Plan) Total() int {
	n := 0
	for _, a := range p.Assigned {
		n += len(a)
	}
	return n
}

// Allocate assigns n recipients round-robin over channels with the given
// remaining capacities. Scanning starts at cursor start; each recipient goes
// to the first channel with spare capacity and the cursor moves past it. Once
// no channel has capacity the rest stay unassigned.
func Allocate(n int, capacities []int, start int) Plan {
	p := Plan{Assigned: make([][]int, len(capacities))}
	left := make([]int, len(capacities))
	total := 0
	for i, c := range capacities {
		if c > 0 {
			left[i] = c
			total += c
		}
	}
	k := len(capacities)
	cursor := 0
	if k > 0 {
		cursor = ((start % k) + k) % k
	}

	i := 0
	for ; i < n && total > 0; i++ {
		for step := 0; step < k; step++ {
			ch := (cursor + step) % k
			if left[ch] == 0 {
				continue
			}
			p.Assigned[ch] = append(p.Assigned[ch], i)
			left[ch]--
			total--
			cursor = (ch + 1) % k
			break
		}
	}
	for ; i < n; i++ {
		p.Unassigned = append(p.Unassigned, i)
	}
	p.Next = cursor
	return p
}
