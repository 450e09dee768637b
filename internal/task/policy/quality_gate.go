package policy

// Verdict is where a generated result goes next.
type Verdict int

const (
	// VerdictReject: below threshold. Recorded as skipped, content kept for review.
	VerdictReject Verdict = iota
	// VerdictHold: good enough, but auto-publish is off.
	VerdictHold
	VerdictPublish
)

func (v Verdict) String() string {
	switch v {
	case VerdictPublish:
		return "publish"
	case VerdictHold:
		return "hold"
	default:
		return "reject"
	}
}

type QualityGate struct {
	Threshold   int
	AutoPublish bool
}

func (g QualityGate) Route(score int) Verdict {
	if score < g.Threshold {
		return VerdictReject
	}
	if g.AutoPublish {
		return VerdictPublish
	}
	return VerdictHold
}
