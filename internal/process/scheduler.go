package process

import (
	"hydra/internal/kernerr"
	"hydra/internal/vmm"
)

// Execute is the asm trampoline that loads a saved register state and
// jumps to user mode; it never returns in the booted kernel
// (task_execute's equivalent). Left nil in hosted tests, where
// ExecuteNext just switches current and returns it for inspection.
type Execute func(state State, root vmm.PML4)

// ExecuteNext implements execute_next_process: advance current to the
// next process in round-robin order (wrapping to head), switch CR3 to
// its address space, and hand off to Execute.
func (m *Manager) ExecuteNext(exec Execute) (*Process, kernerr.Code) {
	if m.head == nil {
		return nil, kernerr.Corrupt
	}

	if m.current == nil {
		m.current = m.head
	} else {
		m.current = m.current.next
		if m.current == nil {
			m.current = m.head
		}
	}

	state := m.current.State
	m.mapper.Switch(m.current.PML4)

	if exec != nil {
		exec(state, m.current.PML4)
	}

	return m.current, kernerr.Success
}
