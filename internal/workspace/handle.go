package workspace

import "iter"

// Handle is a Manager view bound to a single agent. It is what executors
// receive, so they never name another agent's workspace.
type Handle struct {
	m       *Manager
	agentID string
}

func (m *Manager) Handle(agentID string) Handle {
	return Handle{m: m, agentID: agentID}
}

func (h Handle) AgentID() string {
	return h.agentID
}

func (h Handle) Path() (string, error) {
	return h.m.AgentPath(h.agentID)
}

func (h Handle) Resolve(rel string) (string, error) {
	return h.m.ResolvePath(h.agentID, rel)
}

func (h Handle) ReadFile(rel string) ([]byte, error) {
	return h.m.ReadFile(h.agentID, rel)
}

func (h Handle) WriteFile(rel string, content []byte) error {
	return h.m.WriteFile(h.agentID, rel, content)
}

func (h Handle) DeleteFile(rel string) error {
	return h.m.DeleteFile(h.agentID, rel)
}

func (h Handle) ListFiles(pattern string) iter.Seq2[string, error] {
	return h.m.ListFiles(h.agentID, pattern)
}
