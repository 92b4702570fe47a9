package status

// LifecycleState is the single source for the snapshot's lifecycle flags.
type LifecycleState string

const (
	NotInstalled         LifecycleState = "not_installed"
	Stopped              LifecycleState = "stopped"
	Starting             LifecycleState = "starting"
	Running              LifecycleState = "running"
	Stopping             LifecycleState = "stopping"
	UpdatingOrInstalling LifecycleState = "updating_or_installing"
)

var allStates = []string{
	string(NotInstalled), string(Stopped), string(Starting),
	string(Running), string(Stopping), string(UpdatingOrInstalling),
}
