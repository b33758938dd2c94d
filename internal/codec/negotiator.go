package codec

import "fmt"

// Policy is fixed at construction and never changes for a negotiator.
type Policy struct {
	// OffloadEnabled means encoding runs on dedicated hardware.
	OffloadEnabled bool
	// ReportSelectableWithOffload keeps reporting selectable-set changes while
	// OffloadEnabled is set. By default they are withheld; pure selected-codec
	// changes are always reported.
	ReportSelectableWithOffload bool
}

// Decision is what the owner must do with one report.
type Decision struct {
	// Report asks for codecConfigUpdated(status, ChangedSelectable).
	Report            bool
	ChangedSelectable bool
	// UpdateOptionalCodecs asks the owner to recompute optional codec support.
	UpdateOptionalCodecs bool
	// Suppressed is set when a selectable change was withheld by the offload policy.
	Suppressed bool
	// Baseline is set for the first report after construction or Reset.
	Baseline bool
}

// Negotiator compares successive codec status reports for one device.
// It is not safe for concurrent use; the state machine owns it.
type Negotiator struct {
	policy   Policy
	previous *Status
}

func NewNegotiator(policy Policy) *Negotiator {
	return &Negotiator{policy: policy}
}

// OnReport records status and returns the upward actions it requires.
// An invalid status is rejected and leaves the recorded baseline untouched.
func (n *Negotiator) OnReport(status Status) (Decision, error) {
	if err := status.Validate(); err != nil {
		return Decision{}, fmt.Errorf("codec report rejected: %w", err)
	}

	current := status.Clone()
	defer func() { n.previous = &current }()

	if n.previous == nil {
		return Decision{Report: true, Baseline: true}, nil
	}

	selectedChanged := current.Selected != n.previous.Selected
	selectableChanged := !current.SelectableEqual(*n.previous)

	var d Decision
	switch {
	case selectableChanged:
		d.UpdateOptionalCodecs = true
		if n.policy.OffloadEnabled && !n.policy.ReportSelectableWithOffload {
			d.Suppressed = true
		} else {
			d.Report = true
			d.ChangedSelectable = true
		}
	case selectedChanged:
		d.Report = true
	}
	return d, nil
}

// Reset forgets the baseline; the next report is treated as the first one.
func (n *Negotiator) Reset() {
	n.previous = nil
}

// Previous returns a copy of the last recorded status.
func (n *Negotiator) Previous() (Status, bool) {
	if n.previous == nil {
		return Status{}, false
	}
	return n.previous.Clone(), true
}
