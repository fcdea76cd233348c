// Package engine implements the per-agent coordination layer: team
// formation, the group discussion state machine, task assignment and
// execution, and the conclusion of a goal. It talks to the router over
// HTTP for registration and discovery and over a websocket for the
// discussion itself.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/OpenBMB/IoA/internal/config"
	"github.com/OpenBMB/IoA/internal/llm"
	"github.com/OpenBMB/IoA/internal/memory"
	"github.com/OpenBMB/IoA/internal/observation"
	"github.com/OpenBMB/IoA/internal/routerclient"
	"github.com/OpenBMB/IoA/internal/store"
	"github.com/OpenBMB/IoA/internal/tasks"
	"github.com/OpenBMB/IoA/pkg/protocol"
)

// conclusionPollInterval is how often LaunchGoal checks whether a
// session has concluded.
const conclusionPollInterval = 5 * time.Second

// CommunicationInfo is the durable state of one chat session, minus
// the task manager which is stored separately.
type CommunicationInfo struct {
	CommID                string               `json:"comm_id"`
	Goal                  string               `json:"goal"`
	TeamMembers           []protocol.AgentInfo `json:"team_members"`
	Conclusion            *string              `json:"conclusion,omitempty"`
	TeamUpDepth           *int                 `json:"team_up_depth,omitempty"`
	CollaborativePlanning bool                 `json:"is_collaborative_planning_enabled"`
	MaxTurns              *int                 `json:"max_turns,omitempty"`
}

// sessionRecord is the stored form of a session.
type sessionRecord struct {
	CommunicationInfo
	Memory *memory.ChatHistory `json:"memory"`
}

// session is the live state of one chat session. All mutation happens
// under mu; the task manager has its own internal lock because
// background executions touch it concurrently.
type session struct {
	mu     sync.Mutex
	info   CommunicationInfo
	memory *memory.ChatHistory
	tasks  *tasks.Manager
}

// Options configure a new Engine.
type Options struct {
	Config *config.Config

	// ServerURL overrides the router address derived from Config.
	ServerURL string

	Completer llm.Completer
	Executor  Executor

	// Observer feeds the current environment state into prompts.
	// Nil means no observation.
	Observer observation.Source

	Logger *slog.Logger
}

// Engine drives one agent's participation in the network.
type Engine struct {
	name      string
	desc      string
	agentType string
	cfg       *config.Config

	api      *routerclient.Client
	socket   *routerclient.Socket
	llm      llm.Completer
	executor Executor
	observer observation.Source
	logger   *slog.Logger

	db       *store.DB
	contacts *store.Bank[protocol.AgentInfo]
	commBank *store.Bank[sessionRecord]
	taskBank *store.Bank[*tasks.Manager]

	// ctx outlives individual messages; background task executions
	// run against it so Close can stop them.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
}

// New registers the agent with the router, dials the relay socket and
// opens the agent's local database.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg.Agent.Name == "" {
		return nil, errors.New("engine: agent name is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	serverURL := opts.ServerURL
	if serverURL == "" {
		serverURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}

	dbPath := filepath.Join(cfg.Storage.Dir,
		"agent_"+store.SanitizeName(cfg.Agent.Name), "comm.db")
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	contacts, err := store.NewBank[protocol.AgentInfo](ctx, db, "agent_contact")
	if err != nil {
		return nil, err
	}
	commBank, err := store.NewBank[sessionRecord](ctx, db, "comm_bank")
	if err != nil {
		return nil, err
	}
	taskBank, err := store.NewBank[*tasks.Manager](ctx, db, "task_manager_bank")
	if err != nil {
		return nil, err
	}

	api := routerclient.New(serverURL, logger)
	info := protocol.AgentInfo{Name: cfg.Agent.Name, Type: cfg.Agent.Type, Desc: cfg.Agent.Desc}
	if err := api.Register(ctx, info); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: register: %w", err)
	}
	socket, err := routerclient.DialSocket(serverURL, cfg.Agent.Name, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: dial relay: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		name:      cfg.Agent.Name,
		desc:      cfg.Agent.Desc,
		agentType: cfg.Agent.Type,
		cfg:       cfg,
		api:       api,
		socket:    socket,
		llm:       opts.Completer,
		executor:  opts.Executor,
		observer:  opts.Observer,
		logger:    logger,
		db:        db,
		contacts:  contacts,
		commBank:  commBank,
		taskBank:  taskBank,
		ctx:       runCtx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
	}, nil
}

// Name returns the agent's registered name.
func (e *Engine) Name() string { return e.name }

// Close stops background executions and releases the socket and the
// local database.
func (e *Engine) Close() error {
	e.cancel()
	err := e.socket.Close()
	if dbErr := e.db.Close(); err == nil {
		err = dbErr
	}
	return err
}

// Run receives relayed messages until ctx is cancelled or the socket
// fails permanently. Messages are handled sequentially; long-running
// task executions detach into their own goroutines.
func (e *Engine) Run(ctx context.Context) error {
	for {
		msg, err := e.socket.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if e.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("engine: relay receive: %w", err)
		}
		e.logger.Info("message received",
			"comm_id", msg.CommID, "sender", msg.Sender, "type", msg.Type.String())
		switch msg.State {
		case protocol.StateDiscussion, protocol.StateVote:
			if err := e.coordination(ctx, msg, msg.CommID, msg.MaxTurns); err != nil {
				e.logger.Error("coordination failed", "comm_id", msg.CommID, "error", err)
			}
		default:
			e.logger.Error("unknown message state", "state", int(msg.State))
		}
	}
}

// ContInput reopens a concluded discussion with a follow-up message.
type ContInput struct {
	Content string `json:"content"`
	Sender  string `json:"sender"`
}

// UnmarshalJSON accepts the object form or a bare string, which is
// treated as content sent by "user".
func (c *ContInput) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Content, c.Sender = s, "user"
		return nil
	}
	type plain ContInput
	return json.Unmarshal(data, (*plain)(c))
}

// GoalOptions tune a LaunchGoal call.
type GoalOptions struct {
	// TeamMemberNames skips discovery and teams up with exactly these
	// agents.
	TeamMemberNames []string

	// TeamUpDepth bounds nested team formation. Nil means unbounded.
	TeamUpDepth *int

	CollaborativePlanning bool

	// CommID continues a previous session instead of forming a team.
	CommID string

	// Cont, together with CommID, feeds a follow-up message into the
	// reopened discussion.
	Cont *ContInput

	// MaxTurns forces a conclusion once the discussion reaches this
	// many messages. Nil means no cap.
	MaxTurns *int

	// SkipNaming suppresses the LLM call that names a fresh team.
	SkipNaming bool
}

// DefaultGoalOptions seeds GoalOptions from the discussion config:
// the turn cap, the nested teamwork depth and collaborative planning.
// Callers overlay per-goal overrides on top.
func (e *Engine) DefaultGoalOptions() GoalOptions {
	opts := GoalOptions{
		CollaborativePlanning: e.cfg.Discussion.CollaborativePlanning,
		SkipNaming:            true,
	}
	if e.cfg.Discussion.MaxTurns > 0 {
		n := e.cfg.Discussion.MaxTurns
		opts.MaxTurns = &n
	}
	if e.cfg.Discussion.TeamUpDepth > 0 {
		d := e.cfg.Discussion.TeamUpDepth
		opts.TeamUpDepth = &d
	}
	return opts
}

// LaunchGoal forms a team for the goal (or reopens the session named
// by opts.CommID), drives the discussion, and blocks until a
// conclusion is reached. It returns the session id and the conclusion.
func (e *Engine) LaunchGoal(ctx context.Context, goal string, opts GoalOptions) (string, string, error) {
	commID := opts.CommID
	var contSent bool

	if commID == "" {
		var err error
		commID, err = e.TeamUp(ctx, goal, opts)
		if err != nil {
			return "", "", err
		}
	} else {
		sess, ok, err := e.session(ctx, commID)
		if err != nil {
			return commID, "", err
		}
		if !ok {
			return commID, fmt.Sprintf("Could not find the communication session: %s.", commID), nil
		}
		contSent = opts.Cont != nil
		if err := e.reopenSession(ctx, sess, opts.MaxTurns, opts.Cont); err != nil {
			return commID, "", err
		}
	}

	if !contSent {
		if err := e.coordination(ctx, nil, commID, opts.MaxTurns); err != nil {
			return commID, "", err
		}
	}

	conclusion, err := e.awaitConclusion(ctx, commID)
	return commID, conclusion, err
}

// reopenSession clears the previous conclusion and, when cont is
// given, broadcasts the follow-up message with a randomly chosen next
// speaker.
func (e *Engine) reopenSession(ctx context.Context, sess *session, maxTurns *int, cont *ContInput) error {
	sess.mu.Lock()
	sess.info.Conclusion = nil
	sess.info.MaxTurns = maxTurns
	info := sess.info
	sess.mu.Unlock()
	if err := e.persist(ctx, sess); err != nil {
		return err
	}
	if cont == nil {
		return nil
	}
	if len(info.TeamMembers) == 0 {
		return fmt.Errorf("engine: session %s has no team members", info.CommID)
	}

	next := info.TeamMembers[rand.Intn(len(info.TeamMembers))].Name
	msg := &protocol.AgentMessage{
		Content:                        cont.Content,
		Sender:                         cont.Sender,
		CommID:                         info.CommID,
		NextSpeaker:                    protocol.Speaker(next),
		State:                          protocol.StateDiscussion,
		Type:                           protocol.TypeDiscussion,
		Goal:                           info.Goal,
		TeamMembers:                    info.TeamMembers,
		TeamUpDepth:                    info.TeamUpDepth,
		IsCollaborativePlanningEnabled: info.CollaborativePlanning,
	}
	return e.send(msg)
}

// awaitConclusion polls the session until a conclusion is recorded.
func (e *Engine) awaitConclusion(ctx context.Context, commID string) (string, error) {
	ticker := time.NewTicker(conclusionPollInterval)
	defer ticker.Stop()
	for {
		sess, ok, err := e.session(ctx, commID)
		if err != nil {
			return "", err
		}
		if ok {
			sess.mu.Lock()
			conclusion := sess.info.Conclusion
			sess.mu.Unlock()
			if conclusion != nil {
				return *conclusion, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-e.ctx.Done():
			return "", e.ctx.Err()
		case <-ticker.C:
		}
	}
}

// session returns the live session for commID, loading it from the
// local database on first access.
func (e *Engine) session(ctx context.Context, commID string) (*session, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess, ok := e.sessions[commID]; ok {
		return sess, true, nil
	}

	rec, err := e.commBank.Get(ctx, commID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	manager, err := e.taskBank.Get(ctx, commID)
	if errors.Is(err, store.ErrNotFound) {
		manager = tasks.NewManager(commID)
	} else if err != nil {
		return nil, false, err
	}
	mem := rec.Memory
	if mem == nil {
		mem = memory.New()
	}
	sess := &session{info: rec.CommunicationInfo, memory: mem, tasks: manager}
	e.sessions[commID] = sess
	return sess, true, nil
}

// installSession registers a freshly formed session.
func (e *Engine) installSession(ctx context.Context, info CommunicationInfo) (*session, error) {
	sess := &session{
		info:   info,
		memory: memory.New(),
		tasks:  tasks.NewManager(info.CommID),
	}
	e.mu.Lock()
	e.sessions[info.CommID] = sess
	e.mu.Unlock()
	return sess, e.persist(ctx, sess)
}

// persist writes the session and its task manager through to disk.
func (e *Engine) persist(ctx context.Context, sess *session) error {
	sess.mu.Lock()
	rec := sessionRecord{CommunicationInfo: sess.info, Memory: sess.memory}
	sess.mu.Unlock()
	if err := e.commBank.Put(ctx, rec.CommID, rec); err != nil {
		return fmt.Errorf("engine: persist session: %w", err)
	}
	if err := e.taskBank.Put(ctx, rec.CommID, sess.tasks); err != nil {
		return fmt.Errorf("engine: persist task manager: %w", err)
	}
	return nil
}

// observe returns the current environment state, or "" when the agent
// has no observation source.
func (e *Engine) observe(ctx context.Context) string {
	if e.observer == nil {
		return ""
	}
	state, err := e.observer.Observe(ctx)
	if err != nil {
		e.logger.Warn("observation failed", "source", e.observer.Name(), "error", err)
		return ""
	}
	return state
}

// send relays a message through the router socket.
func (e *Engine) send(msg *protocol.AgentMessage) error {
	if err := e.socket.Send(msg); err != nil {
		e.logger.Error("failed to send message", "comm_id", msg.CommID, "error", err)
		return err
	}
	return nil
}
