package sync

// Op names a public engine operation.
type Op string

const (
	OpSync       Op = "sync"
	OpPull       Op = "pull"
	OpPush       Op = "push"
	OpAssess     Op = "assess"
	OpInitialize Op = "initialize"
	OpResolve    Op = "resolve"
)

// State is a step of an operation's lifecycle.
type State int

const (
	StateIdle State = iota
	StateValidatingConfig
	StateCloningRemote
	StateComputingChangeSet
	StateApplyingChanges
	StateCommitting
	StatePulling
	StatePushing
	StateCleaningUp
	StateDone
	StateErrored
)

var stateNames = [...]string{
	StateIdle:               "idle",
	StateValidatingConfig:   "validating-config",
	StateCloningRemote:      "cloning-remote",
	StateComputingChangeSet: "computing-changeset",
	StateApplyingChanges:    "applying-changes",
	StateCommitting:         "committing",
	StatePulling:            "pulling",
	StatePushing:            "pushing",
	StateCleaningUp:         "cleaning-up",
	StateDone:               "done",
	StateErrored:            "errored",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateErrored
}

// Observer is notified of every state an operation enters.
type Observer func(op Op, state State)

// SyncStats summarizes the changes an operation made. Total covers the
// target of the operation; Merged counts files a sync wrote back into the
// workspace and is not part of Total.
type SyncStats struct {
	Added    int `json:"added"`
	Modified int `json:"modified"`
	Deleted  int `json:"deleted"`
	Total    int `json:"total"`
	Merged   int `json:"merged,omitempty"`
}

func (s SyncStats) withTotal() SyncStats {
	s.Total = s.Added + s.Modified + s.Deleted
	return s
}

// FirstSyncInfo describes local and remote rule trees before a workspace
// syncs for the first time.
type FirstSyncInfo struct {
	IsFirstSync      bool     `json:"is_first_sync"`
	HasLocalRules    bool     `json:"has_local_rules"`
	HasRemoteRules   bool     `json:"has_remote_rules"`
	LocalRulesCount  int      `json:"local_rules_count"`
	RemoteRulesCount int      `json:"remote_rules_count"`
	Conflicts        []string `json:"conflicts"`
}
