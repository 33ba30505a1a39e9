// Package syncstate owns the status and progress counters of the device's sync session. All
// transitions are serialized by one mutex, and every change is published as a Snapshot.
package syncstate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/pixiserve/pixisync/client/data"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusScanning Status = "scanning"
	StatusSyncing  Status = "syncing"
	StatusPaused   Status = "paused"
	StatusError    Status = "error"
)

// TopicSnapshot carries a Snapshot after every change.
const TopicSnapshot = "syncstate:snapshot"

var ErrInvalidTransition = errors.New("invalid sync state transition")

var transitions = map[Status][]Status{
	StatusIdle:     {StatusScanning},
	StatusScanning: {StatusSyncing, StatusPaused, StatusIdle, StatusError},
	StatusSyncing:  {StatusIdle, StatusPaused, StatusError},
	StatusPaused:   {StatusScanning, StatusSyncing, StatusIdle, StatusError},
	StatusError:    {StatusScanning},
}

type Snapshot struct {
	Status    Status    `json:"status"`
	SessionId string    `json:"session_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	// Upload tasks of the session. Failed tasks are removed from the total.
	Total          int    `json:"total"`
	Synced         int    `json:"synced"`
	Pending        int    `json:"pending"`
	InFlight       int    `json:"in_flight"`
	Failed         int    `json:"failed"`
	AlreadyPresent int    `json:"already_present"`
	Skipped        int    `json:"skipped"`
	Scanned        int    `json:"scanned"`
	CurrentItem    string `json:"current_item,omitempty"`
	// Human-readable explanation for paused and error
	Reason string `json:"reason,omitempty"`
}

func (s Snapshot) IsActive() bool {
	return s.Status == StatusScanning || s.Status == StatusSyncing || s.Status == StatusPaused
}

type Machine struct {
	mu       sync.Mutex
	snap     Snapshot
	resumeTo Status
	bus      EventBus.Bus
}

func New() *Machine {
	return &Machine{snap: Snapshot{Status: StatusIdle}, bus: EventBus.New()}
}

// Subscribe registers fn to receive every snapshot. fn must not block for long since it runs on the
// goroutine that changed the state.
func (m *Machine) Subscribe(fn func(Snapshot)) error {
	return m.bus.Subscribe(TopicSnapshot, fn)
}

func (m *Machine) Unsubscribe(fn func(Snapshot)) error {
	return m.bus.Unsubscribe(TopicSnapshot, fn)
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// update applies fn under the lock and publishes the resulting snapshot after releasing it.
func (m *Machine) update(fn func(s *Snapshot) error) error {
	m.mu.Lock()
	err := fn(&m.snap)
	snap := m.snap
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.bus.Publish(TopicSnapshot, snap)
	return nil
}

func (m *Machine) transition(s *Snapshot, to Status) error {
	for _, allowed := range transitions[s.Status] {
		if allowed == to {
			s.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
}

// Begin starts a new session if none is active. It reports false, and changes nothing, if a
// session is already running.
func (m *Machine) Begin(sessionId string) bool {
	started := false
	_ = m.update(func(s *Snapshot) error {
		if s.IsActive() {
			return ErrInvalidTransition
		}
		*s = Snapshot{Status: s.Status, SessionId: sessionId, StartedAt: time.Now()}
		started = true
		return m.transition(s, StatusScanning)
	})
	return started
}

// StartSyncing moves from scanning to syncing with the given number of upload tasks.
func (m *Machine) StartSyncing(tasks int) error {
	return m.update(func(s *Snapshot) error {
		if err := m.transition(s, StatusSyncing); err != nil {
			return err
		}
		s.Total = tasks
		s.Pending = tasks
		s.Reason = ""
		return nil
	})
}

func (m *Machine) Pause(reason string) error {
	return m.update(func(s *Snapshot) error {
		if s.Status == StatusPaused {
			s.Reason = reason
			return nil
		}
		from := s.Status
		if err := m.transition(s, StatusPaused); err != nil {
			return err
		}
		m.resumeTo = from
		s.Reason = reason
		return nil
	})
}

// Resume returns a paused session to the phase it was paused in.
func (m *Machine) Resume() error {
	return m.update(func(s *Snapshot) error {
		if s.Status != StatusPaused {
			return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, s.Status)
		}
		if err := m.transition(s, m.resumeTo); err != nil {
			return err
		}
		s.Reason = ""
		return nil
	})
}

// Fail moves any state to error. The reason stays visible until the next session begins.
func (m *Machine) Fail(err error) {
	_ = m.update(func(s *Snapshot) error {
		s.Status = StatusError
		s.Reason = err.Error()
		s.Pending += s.InFlight
		s.InFlight = 0
		s.CurrentItem = ""
		return nil
	})
}

// Finish ends the session normally.
func (m *Machine) Finish() error {
	return m.update(func(s *Snapshot) error {
		if s.Status != StatusScanning && s.Status != StatusSyncing {
			return fmt.Errorf("%w: finish from %s", ErrInvalidTransition, s.Status)
		}
		if err := m.transition(s, StatusIdle); err != nil {
			return err
		}
		s.CurrentItem = ""
		return nil
	})
}

// Cancel returns an active session to idle. Counters are kept for display.
func (m *Machine) Cancel() {
	_ = m.update(func(s *Snapshot) error {
		if !s.IsActive() {
			return ErrInvalidTransition
		}
		s.Status = StatusIdle
		s.Reason = "cancelled"
		s.Pending += s.InFlight
		s.InFlight = 0
		s.CurrentItem = ""
		return nil
	})
}

func (m *Machine) ItemScanned(c *data.AssetCandidate) {
	_ = m.update(func(s *Snapshot) error {
		s.Scanned++
		s.CurrentItem = c.LocalId
		return nil
	})
}

func (m *Machine) ItemSkipped(c *data.AssetCandidate) {
	_ = m.update(func(s *Snapshot) error {
		s.Skipped++
		return nil
	})
}

func (m *Machine) AlreadyPresent(n int) {
	_ = m.update(func(s *Snapshot) error {
		s.AlreadyPresent += n
		return nil
	})
}

func (m *Machine) TaskStarted(task *data.UploadTask) {
	_ = m.update(func(s *Snapshot) error {
		s.Pending--
		s.InFlight++
		s.CurrentItem = task.Candidate.LocalId
		return nil
	})
}

// TaskFinished records a terminal task. A failed task leaves the total, so that
// synced + pending + in_flight == total always holds.
func (m *Machine) TaskFinished(task *data.UploadTask) {
	_ = m.update(func(s *Snapshot) error {
		if s.InFlight > 0 {
			s.InFlight--
		}
		switch task.Status {
		case data.TaskDone, data.TaskDuplicate:
			s.Synced++
		default:
			s.Failed++
			s.Total--
		}
		return nil
	})
}
