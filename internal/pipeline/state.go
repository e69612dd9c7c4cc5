package pipeline

// State is the stage of a harvest cycle.
type State string

const (
	StateIdle               State = "idle"
	StatePlanning           State = "planning"
	StateFetching           State = "fetching"
	StateExtracting         State = "extracting"
	StateIngesting          State = "ingesting"
	StateCleaning           State = "cleaning"
	StateAssembling         State = "assembling"
	StateSyncing            State = "syncing"
	StateCheckpointAdvanced State = "checkpoint-advanced"
)

// Cycle outcomes, used as metric label values.
const (
	outcomeSuccess = "success"
	outcomeFailed  = "failed"
	outcomeNoop    = "noop"
)
