package usercode

import (
	"processagent/internal/agent"
)

// Install registers static's callbacks on a. The notifier and archiver are
// optional and decorate them.
func Install(a *agent.Agent, static *Static, notifier *Notifier, archiver *Archiver) {
	update := agent.UpdateFunc(static.Update)
	var done agent.DoneFunc
	if archiver != nil {
		done = archiver.WrapDone(done)
	}
	if notifier != nil {
		update = notifier.WrapUpdate(update)
		done = notifier.WrapDone(done)
	}

	a.OnCreate(static.Create)
	a.OnUpdate(update)
	if done != nil {
		a.OnDone(done)
	}
}
