// -----------------------------------------------------------------------
// Operation - One pipeline unit: file x target x stage
// -----------------------------------------------------------------------

package models

// Stage is a phase of the pipeline. All jobs of a stage are awaited before
// the next stage submits anything.
type Stage int

const (
	StageImages Stage = iota
	StageNotebooks
	StageHTMLSpeaker
	StageHTMLCompleted
	StageCopy
)

// Stages lists the fixed execution order.
func Stages() []Stage {
	return []Stage{StageImages, StageNotebooks, StageHTMLSpeaker, StageHTMLCompleted, StageCopy}
}

func (s Stage) String() string {
	switch s {
	case StageImages:
		return "images"
	case StageNotebooks:
		return "notebooks"
	case StageHTMLSpeaker:
		return "html-speaker"
	case StageHTMLCompleted:
		return "html-completed"
	case StageCopy:
		return "copy"
	}
	return "unknown"
}

// Operation is what a course file contributes to one stage for one target.
// ServiceName maps to a JobType in the backend; unknown services fail the
// operation immediately.
type Operation struct {
	ServiceName   string
	InputFile     string
	OutputFile    string
	ContentHash   string
	Payload       *Payload
	Stage         Stage
	CorrelationID string
}
