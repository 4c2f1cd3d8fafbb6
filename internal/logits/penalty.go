package logits

// RepeatPenalty down-weights tokens seen in a trailing window of history.
// A Penalty of exactly 1.0 is a no-op and hands back the input slice.
type RepeatPenalty struct {
	Penalty float32
	LastN   int

	out       []float32
	seenMark  []uint32
	seenEpoch uint32
}

// NewRepeatPenalty returns a penalty filter over the last lastN tokens.
func NewRepeatPenalty(penalty float32, lastN int) *RepeatPenalty {
	return &RepeatPenalty{Penalty: penalty, LastN: lastN}
}

// Window returns the trailing slice of history the penalty inspects.
func (p *RepeatPenalty) Window(history []int) []int {
	return PenaltyWindow(history, p.LastN)
}

// PenaltyWindow returns the last n entries of history, or all of it when
// history is shorter. n <= 0 yields an empty window.
func PenaltyWindow(history []int, n int) []int {
	if n <= 0 {
		return nil
	}
	start := max(len(history)-n, 0)
	return history[start:]
}

// Apply penalises every distinct id in window: positive logits are divided
// by the penalty, the rest multiplied. The input slice is never modified;
// the returned slice is owned by p and reused on the next call.
func (p *RepeatPenalty) Apply(logits []float32, window []int) []float32 {
	if p.Penalty == 1 || len(window) == 0 {
		return logits
	}
	if cap(p.out) < len(logits) {
		p.out = make([]float32, len(logits))
	}
	p.out = p.out[:len(logits)]
	copy(p.out, logits)

	if len(p.seenMark) < len(logits) {
		p.seenMark = make([]uint32, len(logits))
		p.seenEpoch = 0
	}
	p.seenEpoch++
	if p.seenEpoch == 0 {
		clear(p.seenMark)
		p.seenEpoch = 1
	}

	for _, id := range window {
		if id < 0 || id >= len(p.out) || p.seenMark[id] == p.seenEpoch {
			continue
		}
		p.seenMark[id] = p.seenEpoch
		if v := p.out[id]; v > 0 {
			p.out[id] = v / p.Penalty
		} else {
			p.out[id] = v * p.Penalty
		}
	}
	return p.out
}
