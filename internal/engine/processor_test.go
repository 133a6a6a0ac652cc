package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botflow/internal/core"
	"botflow/internal/nodes"
	"botflow/internal/storage"
	"botflow/pkg"
)

const fallback = "Sorry, something went wrong."

type staticGraphs struct {
	mu     sync.Mutex
	graphs map[string]*core.WorkflowGraph
}

func newStaticGraphs(t *testing.T, graphs ...*core.WorkflowGraph) *staticGraphs {
	t.Helper()
	s := &staticGraphs{graphs: make(map[string]*core.WorkflowGraph)}
	for _, g := range graphs {
		require.NoError(t, g.Validate())
		s.graphs[g.BotID] = g
	}
	return s
}

func (s *staticGraphs) Load(ctx context.Context, botID string) (*core.WorkflowGraph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.graphs[botID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrGraphNotFound, botID)
	}
	return g, nil
}

func (s *staticGraphs) set(g *core.WorkflowGraph) {
	s.mu.Lock()
	s.graphs[g.BotID] = g
	s.mu.Unlock()
}

type generatorFunc func(ctx context.Context, req core.GenerationRequest) (string, error)

func (f generatorFunc) Complete(ctx context.Context, req core.GenerationRequest) (string, error) {
	return f(ctx, req)
}

func echoGenerator() core.Generator {
	return generatorFunc(func(ctx context.Context, req core.GenerationRequest) (string, error) {
		return "generated: " + req.Prompt, nil
	})
}

type retrieverFunc func(ctx context.Context, botID, query string, topK int) ([]core.Passage, error)

func (f retrieverFunc) Search(ctx context.Context, botID, query string, topK int) ([]core.Passage, error) {
	return f(ctx, botID, query, topK)
}

func fixedClock() func() time.Time {
	t := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func newTestEngine(graphs core.GraphProvider, store core.SessionStore, r core.Retriever, g core.Generator) *Engine {
	return NewEngine(graphs, store, r, g, Options{
		MaxNodesPerTurn: 20,
		Clock:           fixedClock(),
		Response: nodes.ResponseOptions{
			FallbackMessage:   fallback,
			DefaultTopK:       5,
			HistoryWindow:     10,
			GenerationTimeout: 200 * time.Millisecond,
			RetrievalTimeout:  200 * time.Millisecond,
		},
	})
}

// Start -> greet -> answer -> route(bye -> goodbye, always -> answer)
func supportGraph() *core.WorkflowGraph {
	return &core.WorkflowGraph{
		GraphID: "support",
		BotID:   "demo",
		Version: 1,
		Nodes: map[string]*core.Node{
			"start":   {Type: core.NodeTypeStart},
			"greet":   {Type: core.NodeTypeMessage, Message: &core.MessageConfig{Text: "Hello! How can I help?"}},
			"answer":  {Type: core.NodeTypeAIResponse, AI: &core.AIResponseConfig{Prompt: "Answer: {msg}"}},
			"route":   {Type: core.NodeTypeCondition, Condition: &core.ConditionConfig{
				Predicates: []core.Predicate{
					{Kind: core.PredicateKeyword, Label: "bye", Keywords: []string{"bye"}},
					{Kind: core.PredicateAlways, Label: "more"},
				},
			}},
			"goodbye": {Type: core.NodeTypeMessage, Message: &core.MessageConfig{Text: "Goodbye!"}},
		},
		Edges: []core.Edge{
			{Source: "start", Target: "greet"},
			{Source: "greet", Target: "answer"},
			{Source: "answer", Target: "route"},
			{Source: "route", Target: "goodbye", Label: "bye"},
			{Source: "route", Target: "answer", Label: "more"},
		},
	}
}

func TestProcessTurn_EndToEnd(t *testing.T) {
	store := storage.NewMemorySessionStore(0)
	e := newTestEngine(newStaticGraphs(t, supportGraph()), store, nil, echoGenerator())
	ctx := context.Background()

	res, err := e.ProcessTurn(ctx, "demo", "s1", "hi")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello! How can I help?", "generated: Answer: hi"}, res.Replies)
	assert.Equal(t, core.SessionAwaitingInput, res.Status)
	assert.Equal(t, "route", res.CurrentNodeID)
	assert.Equal(t, []string{"start", "greet", "answer"}, res.Path)

	res, err = e.ProcessTurn(ctx, "demo", "s1", "and shipping?")
	require.NoError(t, err)
	assert.Equal(t, []string{"generated: Answer: and shipping?"}, res.Replies)
	assert.Equal(t, "route", res.CurrentNodeID)

	res, err = e.ProcessTurn(ctx, "demo", "s1", "ok bye")
	require.NoError(t, err)
	assert.Equal(t, []string{"Goodbye!"}, res.Replies)
	assert.Equal(t, core.SessionCompleted, res.Status)

	session, err := store.Get(ctx, "demo", "s1")
	require.NoError(t, err)
	assert.Equal(t, "bye", session.Variables[core.VarLastBranch])
	assert.Equal(t, "ok bye", session.Variables[core.VarLastMessage])
	assert.Equal(t, "generated: Answer: and shipping?", session.Variables[core.VarLastAIResponse])
	assert.Equal(t, 1, session.GraphVersion)

	// a completed conversation restarts at Start, keeping its variables
	res, err = e.ProcessTurn(ctx, "demo", "s1", "hello again")
	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help?", res.Replies[0])
	assert.Equal(t, core.SessionAwaitingInput, res.Status)
}

func TestProcessTurn_GenerationTimeoutUsesFallback(t *testing.T) {
	slow := generatorFunc(func(ctx context.Context, req core.GenerationRequest) (string, error) {
		<-ctx.Done()
		return "", fmt.Errorf("%w: %v", core.ErrGenerationTimeout, ctx.Err())
	})
	store := storage.NewMemorySessionStore(0)
	e := newTestEngine(newStaticGraphs(t, supportGraph()), store, nil, slow)

	res, err := e.ProcessTurn(context.Background(), "demo", "s1", "hi")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello! How can I help?", fallback}, res.Replies)
	assert.Equal(t, core.SessionAwaitingInput, res.Status)
	assert.NotEqual(t, core.SessionFailed, res.Status)

	session, err := store.Get(context.Background(), "demo", "s1")
	require.NoError(t, err)
	var recorded bool
	for _, h := range session.History {
		if h.Role == core.RoleSystem && h.Error == nodes.FailureGenerationTimeout {
			recorded = true
		}
	}
	assert.True(t, recorded, "failure is recorded in history")
	assert.NotContains(t, session.Variables, core.VarLastAIResponse)
}

func TestProcessTurn_ProviderErrorUsesFallback(t *testing.T) {
	broken := generatorFunc(func(ctx context.Context, req core.GenerationRequest) (string, error) {
		return "", fmt.Errorf("%w: 500 from upstream", core.ErrGenerationProviderError)
	})
	e := newTestEngine(newStaticGraphs(t, supportGraph()), storage.NewMemorySessionStore(0), nil, broken)

	res, err := e.ProcessTurn(context.Background(), "demo", "s1", "hi")
	require.NoError(t, err)
	assert.Equal(t, fallback, res.Replies[1])
}

func TestProcessTurn_ZeroOptionsStillApologizes(t *testing.T) {
	broken := generatorFunc(func(ctx context.Context, req core.GenerationRequest) (string, error) {
		return "", core.ErrGenerationTimeout
	})
	e := NewEngine(newStaticGraphs(t, supportGraph()), storage.NewMemorySessionStore(0), nil, broken, Options{})

	res, err := e.ProcessTurn(context.Background(), "demo", "s1", "hi")
	require.NoError(t, err)
	require.Len(t, res.Replies, 2)
	assert.Equal(t, nodes.DefaultFallbackMessage, res.Replies[1])
}

func TestProcessTurn_RetrievalFeedsPromptAndSources(t *testing.T) {
	g := supportGraph()
	g.Nodes["answer"].AI = &core.AIResponseConfig{Prompt: "Use:\n{passages}\nQ: {msg}", UseRetrieval: true}

	var gotTopK int
	r := retrieverFunc(func(ctx context.Context, botID, query string, topK int) ([]core.Passage, error) {
		gotTopK = topK
		return []core.Passage{{Text: "Plans start at $10.", SourceID: "pricing", Score: 0.9}}, nil
	})
	var gotPrompt string
	gen := generatorFunc(func(ctx context.Context, req core.GenerationRequest) (string, error) {
		gotPrompt = req.Prompt
		return "It starts at $10.", nil
	})
	e := newTestEngine(newStaticGraphs(t, g), storage.NewMemorySessionStore(0), r, gen)

	res, err := e.ProcessTurn(context.Background(), "demo", "s1", "how much?")
	require.NoError(t, err)
	assert.Equal(t, 5, gotTopK)
	assert.Equal(t, "Use:\n[1] Plans start at $10.\nQ: how much?", gotPrompt)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "pricing", res.Sources[0].SourceID)
}

func TestProcessTurn_RetrievalFailureDegrades(t *testing.T) {
	g := supportGraph()
	g.Nodes["answer"].AI.UseRetrieval = true

	r := retrieverFunc(func(ctx context.Context, botID, query string, topK int) ([]core.Passage, error) {
		return nil, fmt.Errorf("%w: index offline", core.ErrRetrievalUnavailable)
	})
	store := storage.NewMemorySessionStore(0)
	e := newTestEngine(newStaticGraphs(t, g), store, r, echoGenerator())

	res, err := e.ProcessTurn(context.Background(), "demo", "s1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "generated: Answer: hi", res.Replies[1])
	assert.Empty(t, res.Sources)

	session, err := store.Get(context.Background(), "demo", "s1")
	require.NoError(t, err)
	assert.Equal(t, nodes.FailureRetrievalUnavailable, session.History[len(session.History)-2].Error)
}

func TestProcessTurn_NoMatchingBranchLeavesSessionUnchanged(t *testing.T) {
	g := &core.WorkflowGraph{
		GraphID: "strict",
		BotID:   "strict",
		Nodes: map[string]*core.Node{
			"start": {Type: core.NodeTypeStart},
			"ask":   {Type: core.NodeTypeAIResponse, AI: &core.AIResponseConfig{Prompt: "{msg}"}},
			"route": {Type: core.NodeTypeCondition, Condition: &core.ConditionConfig{
				Predicates: []core.Predicate{
					{Kind: core.PredicateExpression, Label: "big", Expression: "amount > 100"},
				},
				Default: "small",
			}},
			"big":   {Type: core.NodeTypeMessage, Message: &core.MessageConfig{Text: "big"}},
			"small": {Type: core.NodeTypeMessage, Message: &core.MessageConfig{Text: "small"}},
		},
		Edges: []core.Edge{
			{Source: "start", Target: "ask"},
			{Source: "ask", Target: "route"},
			{Source: "route", Target: "big", Label: "big"},
			{Source: "route", Target: "small", Label: "small"},
		},
	}
	store := storage.NewMemorySessionStore(0)
	e := newTestEngine(newStaticGraphs(t, g), store, nil, echoGenerator())
	ctx := context.Background()

	_, err := e.ProcessTurn(ctx, "strict", "s1", "hi")
	require.NoError(t, err)
	before, err := store.Get(ctx, "strict", "s1")
	require.NoError(t, err)

	// amount is unset, so the comparison fails at runtime and the turn aborts
	_, err = e.ProcessTurn(ctx, "strict", "s1", "second")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNoMatchingBranch)

	after, err := store.Get(ctx, "strict", "s1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestProcessTurn_ExecutionBudgetExceeded(t *testing.T) {
	g := &core.WorkflowGraph{
		GraphID: "loop",
		BotID:   "loop",
		Nodes: map[string]*core.Node{
			"start": {Type: core.NodeTypeStart},
			"say":   {Type: core.NodeTypeMessage, Message: &core.MessageConfig{Text: "again"}},
			"check": {Type: core.NodeTypeCondition, Condition: &core.ConditionConfig{Default: "loop"}},
		},
		Edges: []core.Edge{
			{Source: "start", Target: "say"},
			{Source: "say", Target: "check"},
			{Source: "check", Target: "say", Label: "loop"},
		},
	}
	store := storage.NewMemorySessionStore(0)
	e := newTestEngine(newStaticGraphs(t, g), store, nil, echoGenerator())

	_, err := e.ProcessTurn(context.Background(), "loop", "s1", "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrExecutionBudgetExceeded)

	_, err = store.Get(context.Background(), "loop", "s1")
	assert.ErrorIs(t, err, core.ErrSessionNotFound, "aborted turns commit nothing")
}

func TestProcessTurn_TerminalMessageCompletes(t *testing.T) {
	g := &core.WorkflowGraph{
		GraphID: "faq",
		BotID:   "faq",
		Nodes: map[string]*core.Node{
			"start": {Type: core.NodeTypeStart},
			"hours": {Type: core.NodeTypeMessage, Message: &core.MessageConfig{Text: "We are open {hours}."}},
		},
		Edges: []core.Edge{{Source: "start", Target: "hours"}},
	}
	e := newTestEngine(newStaticGraphs(t, g), storage.NewMemorySessionStore(0), nil, echoGenerator())

	res, err := e.ProcessTurn(context.Background(), "faq", "s1", "when are you open?")
	require.NoError(t, err)
	assert.Equal(t, []string{"We are open {hours}."}, res.Replies)
	assert.Equal(t, core.SessionCompleted, res.Status)
}

func TestProcessTurn_VariablesVisibleToLaterNodes(t *testing.T) {
	g := &core.WorkflowGraph{
		GraphID: "plans",
		BotID:   "plans",
		Nodes: map[string]*core.Node{
			"start": {Type: core.NodeTypeStart},
			"classify": {Type: core.NodeTypeCondition, Condition: &core.ConditionConfig{
				Predicates: []core.Predicate{
					{Kind: core.PredicateRegex, Label: "gold", Pattern: `\bgold\b`},
				},
				Default:        "basic",
				OutputVariable: "plan",
			}},
			"gold":  {Type: core.NodeTypeMessage, Message: &core.MessageConfig{Text: "You picked {plan}."}},
			"basic": {Type: core.NodeTypeMessage, Message: &core.MessageConfig{Text: "Defaulting to {plan}."}},
		},
		Edges: []core.Edge{
			{Source: "start", Target: "classify"},
			{Source: "classify", Target: "gold", Label: "gold"},
			{Source: "classify", Target: "basic", Label: "basic"},
		},
	}
	e := newTestEngine(newStaticGraphs(t, g), storage.NewMemorySessionStore(0), nil, echoGenerator())

	res, err := e.ProcessTurn(context.Background(), "plans", "s1", "I want GOLD")
	require.NoError(t, err)
	assert.Equal(t, []string{"You picked gold."}, res.Replies)

	res, err = e.ProcessTurn(context.Background(), "plans", "s2", "whatever")
	require.NoError(t, err)
	assert.Equal(t, []string{"Defaulting to basic."}, res.Replies)
}

func TestProcessTurn_ConcurrentTurnsAreSerialized(t *testing.T) {
	g := &core.WorkflowGraph{
		GraphID: "chat",
		BotID:   "chat",
		Nodes: map[string]*core.Node{
			"start": {Type: core.NodeTypeStart},
			"talk":  {Type: core.NodeTypeAIResponse, AI: &core.AIResponseConfig{Prompt: "{msg}"}},
		},
		Edges: []core.Edge{
			{Source: "start", Target: "talk"},
			{Source: "talk", Target: "talk"},
		},
	}

	var (
		mu       sync.Mutex
		inFlight int
		overlap  bool
	)
	gen := generatorFunc(func(ctx context.Context, req core.GenerationRequest) (string, error) {
		mu.Lock()
		inFlight++
		if inFlight > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return "ok", nil
	})

	store := storage.NewMemorySessionStore(0)
	e := newTestEngine(newStaticGraphs(t, g), store, nil, gen)

	const turns = 10
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.ProcessTurn(context.Background(), "chat", "shared", fmt.Sprintf("m%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.False(t, overlap, "turns of one session never run concurrently")
	session, err := store.Get(context.Background(), "chat", "shared")
	require.NoError(t, err)

	var users int
	for _, h := range session.History {
		if h.Role == core.RoleUser {
			users++
		}
	}
	assert.Equal(t, turns, users, "every turn observed the previous committed state")
	assert.Len(t, session.History, 2*turns)
}

func TestProcessTurn_DeterministicReplay(t *testing.T) {
	inputs := []string{"hi", "what about pricing", "more please", "bye"}

	run := func() *core.Session {
		store := storage.NewMemorySessionStore(0)
		e := newTestEngine(newStaticGraphs(t, supportGraph()), store, nil, echoGenerator())
		for _, in := range inputs {
			_, err := e.ProcessTurn(context.Background(), "demo", "replay", in)
			require.NoError(t, err)
		}
		s, err := store.Get(context.Background(), "demo", "replay")
		require.NoError(t, err)
		return s
	}

	first, second := run(), run()
	assert.Equal(t, first.CurrentNodeID, second.CurrentNodeID)
	assert.Equal(t, first.Variables, second.Variables)
	assert.Equal(t, first.History, second.History)
}

func TestProcessTurn_NewGraphVersionWithoutCurrentNodeRestarts(t *testing.T) {
	graphs := newStaticGraphs(t, supportGraph())
	e := newTestEngine(graphs, storage.NewMemorySessionStore(0), nil, echoGenerator())
	ctx := context.Background()

	res, err := e.ProcessTurn(ctx, "demo", "s1", "hi")
	require.NoError(t, err)
	require.Equal(t, "route", res.CurrentNodeID)

	v2 := &core.WorkflowGraph{
		GraphID: "support",
		BotID:   "demo",
		Version: 2,
		Nodes: map[string]*core.Node{
			"start":   {Type: core.NodeTypeStart},
			"welcome": {Type: core.NodeTypeMessage, Message: &core.MessageConfig{Text: "Welcome to v2"}},
		},
		Edges: []core.Edge{{Source: "start", Target: "welcome"}},
	}
	require.NoError(t, v2.Validate())
	graphs.set(v2)

	res, err = e.ProcessTurn(ctx, "demo", "s1", "hello?")
	require.NoError(t, err)
	assert.Equal(t, []string{"Welcome to v2"}, res.Replies)
}

func TestProcessTurn_CancelledBeforeCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := generatorFunc(func(genCtx context.Context, req core.GenerationRequest) (string, error) {
		cancel()
		return "", genCtx.Err()
	})
	store := storage.NewMemorySessionStore(0)
	e := newTestEngine(newStaticGraphs(t, supportGraph()), store, nil, gen)

	_, err := e.ProcessTurn(ctx, "demo", "s1", "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	_, err = store.Get(context.Background(), "demo", "s1")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestHandle_TaggedErrors(t *testing.T) {
	e := newTestEngine(newStaticGraphs(t, supportGraph()), storage.NewMemorySessionStore(0), nil, echoGenerator())

	resp := e.Handle(context.Background(), pkg.TurnRequest{BotID: "unknown", SessionID: "s1", Message: "hi"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, pkg.ErrorCodeGraphNotFound, resp.Error.Code)
	assert.Equal(t, string(core.SessionFailed), resp.Status)
	assert.Empty(t, resp.Replies)

	resp = e.Handle(context.Background(), pkg.TurnRequest{Message: "hi"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, pkg.ErrorCodeInvalidRequest, resp.Error.Code)
}

func TestHandle_GeneratesSessionID(t *testing.T) {
	e := newTestEngine(newStaticGraphs(t, supportGraph()), storage.NewMemorySessionStore(0), nil, echoGenerator())

	resp := e.Handle(context.Background(), pkg.TurnRequest{BotID: "demo", Message: "hi"})
	require.Nil(t, resp.Error)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, string(core.SessionAwaitingInput), resp.Status)
	assert.True(t, strings.HasPrefix(resp.Replies[1], "generated:"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want pkg.ErrorCode
	}{
		{&core.MalformedGraphError{Reason: "x"}, pkg.ErrorCodeMalformedGraph},
		{fmt.Errorf("load: %w", core.ErrGraphNotFound), pkg.ErrorCodeGraphNotFound},
		{core.ErrNoMatchingBranch, pkg.ErrorCodeNoMatchingBranch},
		{core.ErrExecutionBudgetExceeded, pkg.ErrorCodeExecutionBudgetExceeded},
		{core.ErrSessionStoreUnavailable, pkg.ErrorCodeSessionStoreUnavailable},
		{context.Canceled, pkg.ErrorCodeCancelled},
		{errors.New("boom"), pkg.ErrorCodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), tt.err.Error())
	}
}

func TestNewEngine_RegistersEveryNodeType(t *testing.T) {
	e := newTestEngine(newStaticGraphs(t, supportGraph()), storage.NewMemorySessionStore(0), nil, nil)

	for _, nt := range []core.NodeType{core.NodeTypeStart, core.NodeTypeMessage, core.NodeTypeCondition, core.NodeTypeAIResponse} {
		h, err := e.handlerFor(nt)
		require.NoError(t, err)
		assert.Equal(t, nt, h.GetType())
	}

	_, err := e.handlerFor(core.NodeType("webhook"))
	assert.ErrorIs(t, err, core.ErrMalformedGraph)
}
