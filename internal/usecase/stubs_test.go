package usecase

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/moneyclaw/moneyclaw/internal/domain"
)

// Hand-written stubs shared by the usecase tests.

func testNow() time.Time {
	return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
}

type kvStub struct {
	mu   sync.Mutex
	data map[string]string
}

func newKVStub() *kvStub { return &kvStub{data: map[string]string{}} }

func (s *kvStub) Get(_ domain.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (s *kvStub) Set(_ domain.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

type registryStub struct {
	mu       sync.Mutex
	rows     map[string]domain.ModelRow
	upserts  []string
	disabled []string
}

func newRegistryStub(rows ...domain.ModelRow) *registryStub {
	s := &registryStub{rows: map[string]domain.ModelRow{}}
	for _, r := range rows {
		s.rows[r.ModelID] = r
	}
	return s
}

func (s *registryStub) Get(_ domain.Context, modelID string) (domain.ModelRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[modelID]
	if !ok {
		return domain.ModelRow{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *registryStub) Upsert(_ domain.Context, row domain.ModelRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, row.ModelID)
	if _, ok := s.rows[row.ModelID]; !ok {
		s.rows[row.ModelID] = row
	}
	return nil
}

func (s *registryStub) ListEnabled(_ domain.Context, provider domain.Provider) ([]domain.ModelRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ModelRow
	for _, r := range s.rows {
		if r.Provider == provider && r.Enabled {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

func (s *registryStub) SetEnabled(_ domain.Context, modelID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[modelID]
	if !ok {
		return domain.ErrNotFound
	}
	r.Enabled = enabled
	s.rows[modelID] = r
	if !enabled {
		s.disabled = append(s.disabled, modelID)
	}
	return nil
}

func (s *registryStub) Tombstone(_ domain.Context, provider domain.Provider, keep []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keepSet := map[string]bool{}
	for _, id := range keep {
		keepSet[id] = true
	}
	var gone []string
	for id, r := range s.rows {
		if r.Provider == provider && r.Enabled && !keepSet[id] {
			r.Enabled = false
			s.rows[id] = r
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	s.disabled = append(s.disabled, gone...)
	return gone, nil
}

type clientStub struct {
	mu      sync.Mutex
	chats   int
	lists   int
	chatFn  func(req domain.ChatRequest) (domain.ChatResult, error)
	models  []domain.DiscoveredModel
	listErr error
}

func (s *clientStub) Chat(_ domain.Context, req domain.ChatRequest) (domain.ChatResult, error) {
	s.mu.Lock()
	s.chats++
	s.mu.Unlock()
	if s.chatFn != nil {
		return s.chatFn(req)
	}
	return domain.ChatResult{Message: domain.Message{Role: domain.RoleAssistant, Content: "ok"}}, nil
}

func (s *clientStub) ListModels(_ domain.Context) ([]domain.DiscoveredModel, error) {
	s.mu.Lock()
	s.lists++
	s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.models, nil
}

func (s *clientStub) chatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats
}

type sandboxStub struct {
	mu sync.Mutex

	createErr  error
	execOut    map[string]domain.ExecResult
	execErr    error
	deleteErr  error
	nextID     int
	created    []string
	deleted    []string
	execCmds   []string
	writeCalls int
}

func newSandboxStub() *sandboxStub {
	return &sandboxStub{execOut: map[string]domain.ExecResult{}}
}

func (s *sandboxStub) CreateSandbox(_ domain.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	s.nextID++
	id := fmt.Sprintf("sbx-%d", s.nextID)
	s.created = append(s.created, id)
	return id, nil
}

func (s *sandboxStub) Exec(_ domain.Context, sandboxID, command string) (domain.ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execCmds = append(s.execCmds, command)
	if s.execErr != nil {
		return domain.ExecResult{}, s.execErr
	}
	if out, ok := s.execOut[command]; ok {
		return out, nil
	}
	return domain.ExecResult{}, nil
}

func (s *sandboxStub) WriteFile(_ domain.Context, sandboxID, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeCalls++
	return nil
}

func (s *sandboxStub) DeleteSandbox(_ domain.Context, sandboxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, sandboxID)
	return nil
}

type turnsStub struct {
	mu        sync.Mutex
	turns     []domain.Turn
	calls     map[string][]domain.ToolCall
	failures  int
	finishErr error
}

func newTurnsStub() *turnsStub {
	return &turnsStub{calls: map[string][]domain.ToolCall{}}
}

func (s *turnsStub) Insert(_ domain.Context, t domain.Turn) (domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Index = int64(len(s.turns))
	s.turns = append(s.turns, t)
	return t, nil
}

func (s *turnsStub) Finish(_ domain.Context, t domain.Turn, calls []domain.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishErr != nil {
		return s.finishErr
	}
	for i := range s.turns {
		if s.turns[i].ID == t.ID {
			s.turns[i] = t
		}
	}
	s.calls[t.ID] = calls
	if t.Status == domain.TurnFailed {
		s.failures++
	}
	return nil
}

func (s *turnsStub) Recent(_ domain.Context, sessionID string, n int) ([]domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Turn
	for i := len(s.turns) - 1; i >= 0 && len(out) < n; i-- {
		if s.turns[i].SessionID == sessionID && s.turns[i].Status != domain.TurnPending {
			out = append(out, s.turns[i])
		}
	}
	return out, nil
}

func (s *turnsStub) ToolCalls(_ domain.Context, turnID string) ([]domain.ToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[turnID], nil
}

func (s *turnsStub) FailedPerHour(_ domain.Context, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures, nil
}

func (s *turnsStub) FlushPending(_ domain.Context, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.turns {
		if s.turns[i].Status == domain.TurnPending {
			s.turns[i].Status = domain.TurnFailed
			s.turns[i].Error = reason
			n++
		}
	}
	return n, nil
}

func (s *turnsStub) LatestError(_ domain.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Status == domain.TurnFailed {
			return s.turns[i].Error, nil
		}
	}
	return "", domain.ErrNotFound
}

type funderStub struct {
	mu     sync.Mutex
	err    error
	funded []string
}

func (s *funderStub) Fund(_ domain.Context, address string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.funded = append(s.funded, address)
	return nil
}

type creditStub struct {
	balance int64
	err     error
}

func (s *creditStub) Credits(_ domain.Context) (int64, error) {
	return s.balance, s.err
}

type childrenStub struct {
	mu     sync.Mutex
	rows   map[string]domain.Child
	events map[string][]domain.LifecycleEvent
	order  []string
}

func newChildrenStub() *childrenStub {
	return &childrenStub{rows: map[string]domain.Child{}, events: map[string][]domain.LifecycleEvent{}}
}

func (s *childrenStub) Insert(_ domain.Context, c domain.Child, first domain.LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !domain.IsValidWalletAddress(c.Address) {
		return domain.ErrInvalidArgument
	}
	s.rows[c.ID] = c
	s.events[c.ID] = []domain.LifecycleEvent{first}
	s.order = append(s.order, c.ID)
	return nil
}

func (s *childrenStub) Get(_ domain.Context, id string) (domain.Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[id]
	if !ok {
		return domain.Child{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *childrenStub) Transition(_ domain.Context, id, transition string, to domain.LifecycleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	evs := s.events[id]
	from := evs[len(evs)-1].ToState
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", from, to, domain.ErrInvalidArgument)
	}
	s.events[id] = append(evs, domain.LifecycleEvent{
		ChildID: id, Seq: len(evs), Transition: transition, ToState: to, At: time.Now().UTC(),
	})
	c.Status = domain.StatusFor(to)
	s.rows[id] = c
	return nil
}

func (s *childrenStub) ListByStatus(_ domain.Context, status domain.ChildStatus) ([]domain.Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Child
	for _, id := range s.order {
		if s.rows[id].Status == status {
			out = append(out, s.rows[id])
		}
	}
	return out, nil
}

func (s *childrenStub) LatestState(_ domain.Context, id string) (domain.LifecycleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs, ok := s.events[id]
	if !ok || len(evs) == 0 {
		return "", domain.ErrNotFound
	}
	return evs[len(evs)-1].ToState, nil
}

func (s *childrenStub) Events(_ domain.Context, id string) ([]domain.LifecycleEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.LifecycleEvent(nil), s.events[id]...), nil
}
