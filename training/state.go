package training

// State is the loop's explicit, passable training state. The Distiller owns
// it and hands copies to the scheduler, reporter, checkpointer and observers.
type State struct {
	// Iteration is the iteration currently being executed, or the max
	// iteration once the loop has terminated.
	Iteration      int
	StartIteration int
	StepIndex      int
	LearningRate   float64
	CumulativeLoss float64
	// Steps counts optimizer updates performed since the loop started.
	Steps int
}

// AverageLoss is the mean per-iteration loss since the loop started.
func (s State) AverageLoss() float64 {
	if s.Steps == 0 {
		return 0
	}
	return s.CumulativeLoss / float64(s.Steps)
}

// NextIteration is the first iteration not yet completed, i.e. where a run
// resumed from a checkpoint of this state starts.
func (s State) NextIteration() int {
	return s.StartIteration + s.Steps
}
