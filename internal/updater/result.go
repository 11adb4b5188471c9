package updater

// Severity classifies a failed step.
type Severity string

const (
	// SeverityPrecondition: nothing has been mutated, the operator decides.
	SeverityPrecondition Severity = "precondition"
	// SeverityMutation: a mutating step failed, compensation may be offered.
	SeverityMutation Severity = "mutation"
	// SeverityCompensation: a restore or revert failed, only support remains.
	SeverityCompensation Severity = "compensation"
	// SeverityFatal: unexpected failure, manual intervention required.
	SeverityFatal Severity = "fatal"
)

// RecoveryOption is one choice offered with a failed step. Either Step or URL is set.
type RecoveryOption struct {
	Label string
	Step  Step
	URL   string
	// Set is merged into the state carried by the option's token.
	Set State
}

// Option offers moving on to step.
func Option(label string, step Step) RecoveryOption {
	return RecoveryOption{Label: label, Step: step}
}

// OptionWith offers moving on to step with extra state.
func OptionWith(label string, step Step, set State) RecoveryOption {
	return RecoveryOption{Label: label, Step: step, Set: set}
}

// Support offers contacting support; it leads to no step.
func Support(url string) RecoveryOption {
	return RecoveryOption{Label: "Send for help", URL: url}
}

type StepError struct {
	Message  string
	Details  string
	Severity Severity
	Options  []RecoveryOption
}

type resultKind int

const (
	resultNext resultKind = iota + 1
	resultFinished
	resultError
)

// Result is the outcome of a step: exactly one of next step, finished or error.
type Result struct {
	kind      resultKind
	next      Step
	status    string
	returnURL string
	err       *StepError
}

// Next hands over to step. An empty status uses the step's registered status.
func Next(step Step, status string) Result {
	return Result{kind: resultNext, next: step, status: status}
}

// Finished ends the run.
func Finished(status, returnURL string) Result {
	return Result{kind: resultFinished, status: status, returnURL: returnURL}
}

// Fail reports a failed step along with its recovery options.
func Fail(e StepError) Result {
	if e.Severity == "" {
		e.Severity = SeverityMutation
	}
	return Result{kind: resultError, err: &e}
}

func (r Result) IsNext() bool      { return r.kind == resultNext }
func (r Result) IsFinished() bool  { return r.kind == resultFinished }
func (r Result) IsError() bool     { return r.kind == resultError }
func (r Result) NextStep() Step    { return r.next }
func (r Result) Status() string    { return r.status }
func (r Result) ReturnURL() string { return r.returnURL }

// Error returns the failure of an error result, nil otherwise.
func (r Result) Error() *StepError { return r.err }
