package launcher

import "context"

// Template builds the launch spec for one session. The broker bakes in the
// command, gateway address, and adapter flags; only the session id varies
// per call.
type Template func(sessionID string) Spec

// BoundSpawner ties a template to the process table. It satisfies the
// adapter package's spawner contract.
type BoundSpawner struct {
	launcher *Launcher
	tpl      Template
}

// Spawner returns a spawner that launches children from tpl.
func (l *Launcher) Spawner(tpl Template) *BoundSpawner {
	return &BoundSpawner{launcher: l, tpl: tpl}
}

// Spawn starts the child for sessionID and reports its pid.
func (s *BoundSpawner) Spawn(ctx context.Context, sessionID string) (int, error) {
	return s.launcher.Start(ctx, sessionID, s.tpl(sessionID))
}

// Pid reports the pid of the live child on record for sessionID, 0 when none.
func (s *BoundSpawner) Pid(sessionID string) int {
	return s.launcher.Pid(sessionID)
}
