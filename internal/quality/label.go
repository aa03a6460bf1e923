package quality

type Label string

const (
	LabelExcellent Label = "Excellent"
	LabelGood      Label = "Good"
	LabelFair      Label = "Fair"
	LabelPoor      Label = "Poor"
	LabelCritical  Label = "Critical"
)

// LabelFor maps a score to its label using inclusive lower bounds.
func LabelFor(score int) Label {
	switch {
	case score >= 90:
		return LabelExcellent
	case score >= 75:
		return LabelGood
	case score >= 60:
		return LabelFair
	case score >= 40:
		return LabelPoor
	default:
		return LabelCritical
	}
}

// ColorFor returns the indicator color (#RRGGBB) for a score.
func ColorFor(score int) string {
	switch LabelFor(score) {
	case LabelExcellent:
		return "#16A34A"
	case LabelGood:
		return "#2563EB"
	case LabelFair:
		return "#F59E0B"
	case LabelPoor:
		return "#EA580C"
	default:
		return "#DC2626"
	}
}
