package tasks

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// initialPlan seeds the plan log before any consensus exists.
const initialPlan = "No collaborative consensual plans shaped yet."

// Ref identifies a task by id or by its creation index. The pause
// prompt asks the model for indices, while wire messages carry ids.
type Ref struct {
	id      string
	index   int
	isIndex bool
}

func RefID(id string) Ref { return Ref{id: id} }

func RefIndex(i int) Ref { return Ref{index: i, isIndex: true} }

// Manager owns the task state of one session. Safe for concurrent use:
// background executions complete tasks while the discussion goroutine
// reads views and sets triggers.
type Manager struct {
	mu sync.Mutex

	commID    string
	nextIndex int
	entries   map[string]*Entry
	order     []string       // task ids in creation order
	byIndex   map[int]string // creation index -> task id

	// Pause triggers: task id -> finished. The discussion resumes on
	// the edge where the set goes from "not all finished" to "all
	// finished"; both flags default true so an empty set never fires.
	triggers      map[string]bool
	triggerSetter string
	prevAllDone   bool
	currAllDone   bool

	// msgToTask binds the memory message announcing a completion to
	// the task it concluded, for rephrasing context.
	msgToTask map[string]string // message key -> task id

	await map[string]bool // agents whose assignment ack is pending

	plan []string
}

func NewManager(commID string) *Manager {
	return &Manager{
		commID:      commID,
		entries:     make(map[string]*Entry),
		byIndex:     make(map[int]string),
		triggers:    make(map[string]bool),
		prevAllDone: true,
		currAllDone: true,
		msgToTask:   make(map[string]string),
		await:       make(map[string]bool),
		plan:        []string{initialPlan},
	}
}

func (m *Manager) CommID() string { return m.commID }

// Create registers a new task and returns its id.
func (m *Manager) Create(desc, abstract, assignee string, status Status) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(uuid.New().String(), desc, abstract, assignee, status)
}

func (m *Manager) createLocked(id, desc, abstract, assignee string, status Status) string {
	m.entries[id] = &Entry{
		TaskID:   id,
		Desc:     desc,
		Abstract: abstract,
		Assignee: assignee,
		Status:   status,
	}
	m.order = append(m.order, id)
	m.byIndex[m.nextIndex] = id
	m.nextIndex++
	return id
}

// Update applies a status change to the task, creating it first if
// this agent has never seen it (messages can arrive out of order in a
// distributed session). A terminal status flips the task's trigger and
// optionally binds msgKey to the task for later rephrasing.
func (m *Manager) Update(id, desc, abstract, assignee string, status Status, conclusion, msgKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok {
		m.createLocked(id, desc, abstract, assignee, status)
		entry = m.entries[id]
	}
	entry.update(status, conclusion)

	if status.Terminal() {
		if _, watched := m.triggers[id]; watched {
			m.prevAllDone = m.currAllDone
			m.triggers[id] = true
			m.currAllDone = m.allDoneLocked()
		}
		if msgKey != "" {
			m.msgToTask[msgKey] = id
		}
	}
}

// Get returns a copy of the task, if known.
func (m *Manager) Get(id string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// TaskForMessage resolves the task a completion message was bound to.
func (m *Manager) TaskForMessage(msgKey string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.msgToTask[msgKey]
	if !ok {
		return Entry{}, false
	}
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// View renders every task, in creation order, for the prompt.
func (m *Manager) View() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	b.WriteString("The view of task management:\n")
	for i, id := range m.order {
		b.WriteString("=== task index : ")
		b.WriteString(strconv.Itoa(i))
		b.WriteString("===\n")
		b.WriteString(m.entries[id].View())
	}
	if len(m.order) == 0 {
		b.WriteString("No tasks existed\n")
	}
	return b.String()
}

// FilterByStatus returns copies of tasks in any of the given statuses,
// in creation order. With no statuses, all tasks are returned.
func (m *Manager) FilterByStatus(statuses ...Status) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, id := range m.order {
		e := m.entries[id]
		if len(statuses) == 0 {
			out = append(out, *e)
			continue
		}
		for _, s := range statuses {
			if e.Status == s {
				out = append(out, *e)
				break
			}
		}
	}
	return out
}

// IndicesByStatus returns the creation indices of tasks in any of the
// given statuses.
func (m *Manager) IndicesByStatus(statuses ...Status) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []int
	for i, id := range m.order {
		e := m.entries[id]
		if len(statuses) == 0 {
			out = append(out, i)
			continue
		}
		for _, s := range statuses {
			if e.Status == s {
				out = append(out, i)
				break
			}
		}
	}
	return out
}

// SetTriggers arms the pause triggers from the pausing agent's own
// selection. Unknown refs are dropped: the model picks indices and may
// hallucinate ones that never existed. Returns whether any live
// trigger was armed plus the resolved task ids for the wire message.
func (m *Manager) SetTriggers(refs []Ref, setter string) (bool, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, ref := range refs {
		var entry *Entry
		if ref.isIndex {
			if id, ok := m.byIndex[ref.index]; ok {
				entry = m.entries[id]
				ids = append(ids, id)
			}
		} else {
			entry = m.entries[ref.id]
			ids = append(ids, ref.id)
		}
		if entry != nil {
			m.triggers[entry.TaskID] = entry.Status.Terminal()
		}
	}
	return m.armLocked(setter), ids
}

// UpdateTriggers arms the triggers on a peer that received a pause
// message. Unlike SetTriggers the ids are kept even when unknown: the
// task assignment may simply not have reached this agent yet.
func (m *Manager) UpdateTriggers(ids []string, setter string) (bool, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if entry, ok := m.entries[id]; ok {
			m.triggers[id] = entry.Status.Terminal()
		} else {
			m.triggers[id] = false
		}
	}
	return m.armLocked(setter), ids
}

func (m *Manager) armLocked(setter string) bool {
	m.prevAllDone = m.currAllDone
	m.currAllDone = m.allDoneLocked()

	if len(m.triggers) == 0 || m.currAllDone {
		// Nothing unfinished to wait on.
		m.clearLocked()
		return false
	}
	m.triggerSetter = setter
	return true
}

func (m *Manager) allDoneLocked() bool {
	for _, done := range m.triggers {
		if !done {
			return false
		}
	}
	return true
}

// IsTriggered reports the one-shot resume edge: the last completion
// flipped the trigger set from pending to all-finished.
func (m *Manager) IsTriggered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.prevAllDone && m.currAllDone
}

func (m *Manager) TriggersEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.triggers) == 0
}

func (m *Manager) TriggerSetter() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggerSetter
}

// ClearTriggers disarms the pause state after the discussion resumes.
func (m *Manager) ClearTriggers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
}

func (m *Manager) clearLocked() {
	m.triggers = make(map[string]bool)
	m.triggerSetter = ""
	m.prevAllDone = true
	m.currAllDone = true
}

// RegisterAwait records the agents whose assignment acknowledgement
// must arrive before the discussion moves on. Any previous wait set is
// discarded.
func (m *Manager) RegisterAwait(agents []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.await = make(map[string]bool, len(agents))
	for _, a := range agents {
		m.await[a] = true
	}
}

// MarkResponded removes one agent from the wait set.
func (m *Manager) MarkResponded(agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.await, agent)
}

// AwaitEmpty reports whether every assigned agent has acknowledged.
func (m *Manager) AwaitEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.await) == 0
}

// LatestPlan returns the newest entry of the plan log.
func (m *Manager) LatestPlan() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plan[len(m.plan)-1]
}

// UpdatePlan appends a revision to the plan log. Empty revisions are
// ignored.
func (m *Manager) UpdatePlan(plan string) {
	if plan == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plan = append(m.plan, plan)
}

// managerState is the persisted shape of a Manager.
type managerState struct {
	CommID        string            `json:"comm_id"`
	NextIndex     int               `json:"next_index"`
	Entries       []Entry           `json:"tasks"` // creation order
	Triggers      map[string]bool   `json:"triggers"`
	TriggerSetter string            `json:"trigger_setter,omitempty"`
	PrevAllDone   bool              `json:"previous_triggers_status"`
	CurrAllDone   bool              `json:"current_triggers_status"`
	MsgToTask     map[string]string `json:"msg2task"`
	Await         []string          `json:"await_agents"`
	Plan          []string          `json:"dynamic_collaborative_planner"`
}

func (m *Manager) MarshalJSON() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := managerState{
		CommID:        m.commID,
		NextIndex:     m.nextIndex,
		Triggers:      m.triggers,
		TriggerSetter: m.triggerSetter,
		PrevAllDone:   m.prevAllDone,
		CurrAllDone:   m.currAllDone,
		MsgToTask:     m.msgToTask,
		Plan:          m.plan,
	}
	for _, id := range m.order {
		st.Entries = append(st.Entries, *m.entries[id])
	}
	for a := range m.await {
		st.Await = append(st.Await, a)
	}
	return json.Marshal(st)
}

func (m *Manager) UnmarshalJSON(data []byte) error {
	var st managerState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.commID = st.CommID
	m.nextIndex = 0
	m.entries = make(map[string]*Entry, len(st.Entries))
	m.order = nil
	m.byIndex = make(map[int]string, len(st.Entries))
	for i := range st.Entries {
		e := st.Entries[i]
		m.entries[e.TaskID] = &e
		m.order = append(m.order, e.TaskID)
		m.byIndex[m.nextIndex] = e.TaskID
		m.nextIndex++
	}
	if m.nextIndex < st.NextIndex {
		m.nextIndex = st.NextIndex
	}

	m.triggers = st.Triggers
	if m.triggers == nil {
		m.triggers = make(map[string]bool)
	}
	m.triggerSetter = st.TriggerSetter
	m.prevAllDone = st.PrevAllDone
	m.currAllDone = st.CurrAllDone
	m.msgToTask = st.MsgToTask
	if m.msgToTask == nil {
		m.msgToTask = make(map[string]string)
	}
	m.await = make(map[string]bool, len(st.Await))
	for _, a := range st.Await {
		m.await[a] = true
	}
	m.plan = st.Plan
	if len(m.plan) == 0 {
		m.plan = []string{initialPlan}
	}
	return nil
}
