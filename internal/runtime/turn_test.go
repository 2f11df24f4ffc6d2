package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/user/cua/internal/computer/computertest"
	"github.com/user/cua/internal/dispatch"
	"github.com/user/cua/internal/metrics"
	"github.com/user/cua/internal/safety"
	"github.com/user/cua/internal/urlguard"
	"github.com/user/cua/pkg/computer"
	"github.com/user/cua/pkg/llm"
)

// scriptedProvider returns one scripted response per call and records the
// requests it was sent.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	errs      []error
	requests  []*llm.Request
	fallback  func(n int) *llm.Response
}

func (p *scriptedProvider) Vendor() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	if idx < len(p.responses) {
		return p.responses[idx], nil
	}
	if p.fallback != nil {
		return p.fallback(idx), nil
	}
	return &llm.Response{Items: []llm.Item{llm.AssistantText("fallback")}}, nil
}

func (p *scriptedProvider) Requests() []*llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llm.Request(nil), p.requests...)
}

func respond(items ...llm.Item) *llm.Response {
	return &llm.Response{Items: items, Usage: llm.Usage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12}}
}

func call(id string, a llm.Action, checks ...llm.SafetyCheck) llm.ActionCall {
	return llm.ActionCall{CallID: id, Action: a, PendingSafetyChecks: checks}
}

func newTestRuntime(p llm.Provider, c computer.Computer, mutate func(*Config, *Deps)) *Runtime {
	cfg := Config{Model: "computer-use-preview"}
	deps := Deps{
		Provider:   p,
		Computer:   c,
		Guard:      urlguard.New(urlguard.DefaultBlocked),
		Dispatcher: dispatch.New(nil, false),
		Metrics:    metrics.New(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	return New(cfg, deps)
}

func resultsOf(items []llm.Item) []llm.ActionResult {
	var out []llm.ActionResult
	for _, it := range items {
		if r, ok := it.(llm.ActionResult); ok {
			out = append(out, r)
		}
	}
	return out
}

func TestRunTurn_SearchScenario(t *testing.T) {
	fake := computertest.New()
	fake.URL = "https://www.bing.com/"
	provider := &scriptedProvider{responses: []*llm.Response{
		respond(call("call_1", llm.Click{X: 100, Y: 200, Button: computer.ButtonLeft})),
		respond(llm.AssistantText("Searched for cats on Bing.")),
	}}
	rt := newTestRuntime(provider, fake, nil)

	conv := []llm.Item{llm.UserText("open bing.com and search cats")}
	res, err := rt.RunTurn(context.Background(), conv)
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, 24, res.Usage.TotalTokens)
	assert.Equal(t, "Searched for cats on Bing.", res.FinalText())
	require.Len(t, res.Items, 3)

	result, ok := res.Items[1].(llm.ActionResult)
	require.True(t, ok)
	assert.Equal(t, "call_1", result.CallID)
	assert.Equal(t, llm.StatusOK, result.Status)
	require.NotNil(t, result.Observation)
	assert.Equal(t, fake.Image, result.Observation.Image)
	assert.Equal(t, "https://www.bing.com/", result.Observation.CurrentURL)

	assert.Equal(t, []string{"CurrentURL", "Click", "Screenshot", "CurrentURL"}, fake.Methods())

	reqs := provider.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Items, 1)
	assert.Len(t, reqs[1].Items, 3, "second query carries the call and its result")
	assert.Equal(t, llm.ToolFor(fake), reqs[0].Tool)
	assert.Empty(t, llm.Unresolved(append(conv, res.Items...)))
}

func TestRunTurn_BlockedBeforeAction(t *testing.T) {
	fake := computertest.New()
	fake.URL = "https://sub.maliciousbook.com/login"
	provider := &scriptedProvider{responses: []*llm.Response{
		respond(call("call_1", llm.Click{X: 1, Y: 1, Button: computer.ButtonLeft})),
		respond(llm.AssistantText("I cannot use that site.")),
	}}
	rt := newTestRuntime(provider, fake, nil)

	res, err := rt.RunTurn(context.Background(), []llm.Item{llm.UserText("log in")})
	require.NoError(t, err)

	results := resultsOf(res.Items)
	require.Len(t, results, 1)
	assert.Equal(t, llm.StatusBlocked, results[0].Status)
	assert.Contains(t, results[0].Error, "maliciousbook.com")
	assert.Nil(t, results[0].Observation)
	assert.Equal(t, []string{"CurrentURL", "Navigate"}, fake.Methods(),
		"only URL resolution may reach the capability contract before the page is left")
	assert.Equal(t, []any{blankPage}, fake.Calls()[1].Args)
	assert.Equal(t, StateDone, res.State)
}

func TestRunTurn_BlockedAfterAction(t *testing.T) {
	fake := computertest.New()
	fake.URL = "https://example.com/"
	fake.OnCall = func(c computertest.Call) {
		if c.Method == "Scroll" {
			fake.SetURL("https://ilanbigio.com/")
		}
	}
	provider := &scriptedProvider{responses: []*llm.Response{
		respond(call("call_1", llm.Scroll{X: 10, Y: 10, DY: 300})),
		respond(llm.AssistantText("ok")),
	}}
	rt := newTestRuntime(provider, fake, nil)

	res, err := rt.RunTurn(context.Background(), []llm.Item{llm.UserText("scroll")})
	require.NoError(t, err)

	results := resultsOf(res.Items)
	require.Len(t, results, 1)
	assert.Equal(t, llm.StatusBlocked, results[0].Status)
	assert.Nil(t, results[0].Observation, "a blocked page must not be shown to the model")
	assert.Contains(t, results[0].Error, blankPage)
	assert.Equal(t, blankPage, fake.URL)
}

func TestRunTurn_RecoversAfterBlockedLanding(t *testing.T) {
	fake := computertest.New()
	fake.URL = "https://bing.com/"
	clicks := 0
	fake.OnCall = func(c computertest.Call) {
		if c.Method == "Click" {
			clicks++
			if clicks == 1 {
				fake.SetURL("https://maliciousbook.com/feed")
			}
		}
	}
	provider := &scriptedProvider{responses: []*llm.Response{
		respond(call("c1", llm.Click{X: 5, Y: 5, Button: computer.ButtonLeft})),
		respond(call("c2", llm.Keypress{Keys: []string{"ALT", "LEFT"}})),
		respond(call("c3", llm.Click{X: 7, Y: 7, Button: computer.ButtonLeft})),
		respond(llm.AssistantText("done")),
	}}
	rt := newTestRuntime(provider, fake, nil)

	res, err := rt.RunTurn(context.Background(), []llm.Item{llm.UserText("browse")})
	require.NoError(t, err)

	results := resultsOf(res.Items)
	require.Len(t, results, 3)
	assert.Equal(t, llm.StatusBlocked, results[0].Status)
	assert.Equal(t, llm.StatusOK, results[1].Status)
	assert.Equal(t, llm.StatusOK, results[2].Status)
	assert.Equal(t, blankPage, results[2].Observation.CurrentURL)
	assert.Equal(t, []string{
		"CurrentURL", "Click", "Screenshot", "CurrentURL", "Navigate",
		"CurrentURL", "Keypress", "Screenshot", "CurrentURL",
		"CurrentURL", "Click", "Screenshot", "CurrentURL",
	}, fake.Methods())
}

// withoutNavigator hides the Navigator capability of the wrapped session.
type withoutNavigator struct {
	computer.Session
}

func TestRunTurn_BlockedLandingGoesBackWithoutNavigator(t *testing.T) {
	fake := computertest.New()
	fake.URL = "https://example.com/"
	fake.OnCall = func(c computertest.Call) {
		switch c.Method {
		case "Click":
			fake.SetURL("https://evilvideos.com/watch")
		case "Keypress":
			fake.SetURL("https://example.com/")
		}
	}
	provider := &scriptedProvider{responses: []*llm.Response{
		respond(call("c1", llm.Click{X: 5, Y: 5, Button: computer.ButtonLeft})),
		respond(llm.AssistantText("done")),
	}}
	rt := newTestRuntime(provider, withoutNavigator{fake}, nil)

	res, err := rt.RunTurn(context.Background(), []llm.Item{llm.UserText("browse")})
	require.NoError(t, err)

	results := resultsOf(res.Items)
	require.Len(t, results, 1)
	assert.Equal(t, llm.StatusBlocked, results[0].Status)
	assert.Contains(t, results[0].Error, "went back")
	calls := fake.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, "Keypress", last.Method)
	assert.Equal(t, []any{[]string{"ALT", "LEFT"}}, last.Args)
	assert.Equal(t, "https://example.com/", fake.URL)
}

func TestRunTurn_NonBrowserSkipsURLCheck(t *testing.T) {
	fake := computertest.New()
	fake.Env = computer.EnvironmentLinux
	fake.URL = "https://maliciousbook.com/"
	provider := &scriptedProvider{responses: []*llm.Response{
		respond(call("call_1", llm.Type{Text: "hello"})),
	}}
	rt := newTestRuntime(provider, fake, nil)

	res, err := rt.RunTurn(context.Background(), []llm.Item{llm.UserText("type")})
	require.NoError(t, err)
	assert.Equal(t, llm.StatusOK, resultsOf(res.Items)[0].Status)
	assert.Equal(t, []string{"Type", "Screenshot"}, fake.Methods())
}

func TestRunTurn_UnsupportedActionContinues(t *testing.T) {
	fake := computertest.New()
	provider := &scriptedProvider{responses: []*llm.Response{
		respond(call("call_1", llm.UnknownAction{Type: "teleport"})),
		respond(call("call_2", llm.Screenshot{})),
		respond(llm.AssistantText("done")),
	}}
	rt := newTestRuntime(provider, fake, nil)

	res, err := rt.RunTurn(context.Background(), []llm.Item{llm.UserText("go")})
	require.NoError(t, err)

	results := resultsOf(res.Items)
	require.Len(t, results, 2)
	assert.Equal(t, llm.StatusUnsupported, results[0].Status)
	assert.Contains(t, results[0].Error, "teleport")
	assert.Equal(t, llm.StatusOK, results[1].Status)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 3, res.Rounds)
}

func TestRunTurn_BackendFailureContinues(t *testing.T) {
	fake := computertest.New()
	fake.Errors = map[string]error{"Click": errors.New("element detached")}
	provider := &scriptedProvider{responses: []*llm.Response{
		respond(call("call_1", llm.Click{X: 5, Y: 5, Button: computer.ButtonLeft})),
		respond(llm.AssistantText("giving up")),
	}}
	rt := newTestRuntime(provider, fake, nil)

	res, err := rt.RunTurn(context.Background(), []llm.Item{llm.UserText("click")})
	require.NoError(t, err)

	results := resultsOf(res.Items)
	require.Len(t, results, 1)
	assert.Equal(t, llm.StatusFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "element detached")
	assert.Equal(t, StateDone, res.State)
}

func TestRunTurn_SafetyChecks(t *testing.T) {
	check := llm.SafetyCheck{ID: "sc_1", Code: "malicious_instructions", Message: "Suspicious page"}

	t.Run("denied", func(t *testing.T) {
		fake := computertest.New()
		provider := &scriptedProvider{responses: []*llm.Response{
			respond(call("call_1", llm.Click{X: 1, Y: 2, Button: computer.ButtonLeft}, check)),
			respond(llm.AssistantText("stopped")),
		}}
		rt := newTestRuntime(provider, fake, func(_ *Config, d *Deps) { d.Acknowledge = safety.Deny })

		res, err := rt.RunTurn(context.Background(), []llm.Item{llm.UserText("go")})
		require.NoError(t, err)

		results := resultsOf(res.Items)
		require.Len(t, results, 1)
		assert.Equal(t, llm.StatusDenied, results[0].Status)
		require.Len(t, res.Denials, 1)
		assert.Equal(t, "sc_1", res.Denials[0].Check.ID)
		assert.NotContains(t, fake.Methods(), "Click")
		assert.Equal(t, StateDone, res.State)
	})

	t.Run("denied with stop", func(t *testing.T) {
		fake := computertest.New()
		provider := &scriptedProvider{responses: []*llm.Response{
			respond(
				call("call_1", llm.Click{X: 1, Y: 2, Button: computer.ButtonLeft}, check),
				call("call_2", llm.Screenshot{}),
			),
		}}
		rt := newTestRuntime(provider, fake, func(c *Config, d *Deps) {
			c.StopOnDenial = true
			d.Acknowledge = safety.Deny
		})

		res, err := rt.RunTurn(context.Background(), []llm.Item{llm.UserText("go")})
		require.NoError(t, err)
		assert.Equal(t, StateYielded, res.State)
		assert.Equal(t, 1, res.Rounds)
		assert.Len(t, resultsOf(res.Items), 2, "the batch is resolved before yielding")
	})

	t.Run("acknowledged", func(t *testing.T) {
		fake := computertest.New()
		var asked []string
		provider := &scriptedProvider{responses: []*llm.Response{
			respond(call("call_1", llm.Click{X: 1, Y: 2, Button: computer.ButtonLeft}, check)),
			respond(llm.AssistantText("ok")),
		}}
		rt := newTestRuntime(provider, fake, func(_ *Config, d *Deps) {
			d.Acknowledge = func(_ context.Context, msg string) bool {
				asked = append(asked, msg)
				return true
			}
		})

		res, err := rt.RunTurn(context.Background(), []llm.Item{llm.UserText("go")})
		require.NoError(t, err)

		results := resultsOf(res.Items)
		require.Len(t, results, 1)
		assert.Equal(t, llm.StatusOK, results[0].Status)
		assert.Equal(t, []llm.SafetyCheck{check}, results[0].AcknowledgedSafetyChecks)
		assert.Equal(t, []string{"Suspicious page"}, asked)
		assert.Empty(t, res.Denials)
	})
}

func TestRunTurn_ProviderErrorAborts(t *testing.T) {
	netErr := &llm.NetworkError{Vendor: "openai", StatusCode: 503, Body: "overloaded", Err: errors.New("status 503")}
	provider := &scriptedProvider{
		responses: []*llm.Response{respond(call("call_1", llm.Screenshot{}))},
		errs:      []error{nil, netErr},
	}
	rt := newTestRuntime(provider, computertest.New(), nil)

	res, err := rt.RunTurn(context.Background(), []llm.Item{llm.UserText("go")})
	require.Error(t, err)

	var got *llm.NetworkError
	require.ErrorAs(t, err, &got)
	assert.True(t, llm.IsTemporary(err))
	assert.Equal(t, StateAborted, res.State)
	assert.Len(t, res.Items, 2, "the completed batch is kept")
	assert.Empty(t, llm.Unresolved(res.Items))
}

func TestRunTurn_MalformedResponseAborts(t *testing.T) {
	provider := &scriptedProvider{errs: []error{llm.Malformed("anthropic", "missing content")}}
	rt := newTestRuntime(provider, computertest.New(), nil)

	res, err := rt.RunTurn(context.Background(), []llm.Item{llm.UserText("go")})
	var malformed *llm.MalformedResponseError
	require.ErrorAs(t, err, &malformed)
	assert.False(t, llm.IsTemporary(err))
	assert.Equal(t, StateAborted, res.State)
	assert.Empty(t, res.Items)
}

func TestRunTurn_MaxRounds(t *testing.T) {
	provider := &scriptedProvider{fallback: func(n int) *llm.Response {
		return respond(call(fmt.Sprintf("call_%d", n), llm.Screenshot{}))
	}}
	rt := newTestRuntime(provider, computertest.New(), func(c *Config, _ *Deps) { c.MaxRounds = 3 })

	res, err := rt.RunTurn(context.Background(), []llm.Item{llm.UserText("loop")})
	require.ErrorIs(t, err, ErrMaxRounds)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, 3, res.Rounds)
	assert.Len(t, res.Items, 6)
	assert.Empty(t, llm.Unresolved(res.Items))
}

func TestRunTurn_CancelMidBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := computertest.New()
	fake.OnCall = func(c computertest.Call) {
		if c.Method == "Click" {
			cancel()
		}
	}
	provider := &scriptedProvider{responses: []*llm.Response{
		respond(
			call("call_1", llm.Click{X: 1, Y: 1, Button: computer.ButtonLeft}),
			call("call_2", llm.Type{Text: "cats"}),
			call("call_3", llm.Keypress{Keys: []string{"ENTER"}}),
		),
	}}
	rt := newTestRuntime(provider, fake, nil)

	res, err := rt.RunTurn(ctx, []llm.Item{llm.UserText("search")})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateAborted, res.State)

	results := resultsOf(res.Items)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, llm.StatusFailed, r.Status)
	}
	assert.Empty(t, llm.Unresolved(res.Items))
	assert.NotContains(t, fake.Methods(), "Type")
}

func TestRunTurn_EmptyModelTurn(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{{}}}
	rt := newTestRuntime(provider, computertest.New(), nil)

	res, err := rt.RunTurn(context.Background(), []llm.Item{llm.UserText("hi")})
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Empty(t, res.Items)
	assert.Equal(t, "", res.FinalText())
}

func TestRunTurn_RejectsUnresolvedConversation(t *testing.T) {
	provider := &scriptedProvider{}
	rt := newTestRuntime(provider, computertest.New(), nil)

	conv := []llm.Item{llm.UserText("hi"), call("call_9", llm.Screenshot{})}
	_, err := rt.RunTurn(context.Background(), conv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "call_9")
	assert.Empty(t, provider.Requests())
}

func TestRunTurn_ObserversSeeItemsInOrder(t *testing.T) {
	provider := &scriptedProvider{responses: []*llm.Response{
		respond(llm.AssistantText("looking"), call("call_1", llm.Wait{})),
		respond(llm.AssistantText("done")),
	}}
	rt := newTestRuntime(provider, computertest.New(), nil)

	var kinds []llm.ItemKind
	rt.AddObserver(ObserverFunc(func(item llm.Item) { kinds = append(kinds, item.ItemKind()) }))

	res, err := rt.RunTurn(context.Background(), []llm.Item{llm.UserText("wait")})
	require.NoError(t, err)
	assert.Equal(t, []llm.ItemKind{
		llm.KindAssistantMessage, llm.KindActionCall, llm.KindActionResult, llm.KindAssistantMessage,
	}, kinds)
	assert.Len(t, res.Items, len(kinds))
}

func TestRunTurn_OneResultPerCall(t *testing.T) {
	actions := []llm.Action{
		llm.Click{X: 1, Y: 1, Button: computer.ButtonLeft},
		llm.DoubleClick{X: 2, Y: 2},
		llm.Scroll{X: 0, Y: 0, DY: 100},
		llm.Type{Text: "x"},
		llm.Keypress{Keys: []string{"CTRL", "A"}},
		llm.Wait{Ms: 1},
		llm.Move{X: 3, Y: 3},
		llm.Drag{Path: []computer.Point{{X: 0, Y: 0}, {X: 5, Y: 5}}},
		llm.Screenshot{},
		llm.UnknownAction{Type: "teleport"},
	}

	rapid.Check(t, func(t *rapid.T) {
		batches := rapid.SliceOfN(rapid.SliceOfN(rapid.SampledFrom(actions), 1, 4), 1, 4).Draw(t, "batches")
		failing := rapid.SampledFrom([]string{"", "Click", "Screenshot", "CurrentURL"}).Draw(t, "failing")

		var responses []*llm.Response
		n := 0
		for _, batch := range batches {
			var items []llm.Item
			for _, a := range batch {
				n++
				items = append(items, call(fmt.Sprintf("call_%d", n), a))
			}
			responses = append(responses, respond(items...))
		}
		responses = append(responses, respond(llm.AssistantText("done")))

		fake := computertest.New()
		if failing != "" {
			fake.Errors = map[string]error{failing: errors.New("backend down")}
		}
		provider := &scriptedProvider{responses: responses}
		rt := newTestRuntime(provider, fake, nil)

		res, err := rt.RunTurn(context.Background(), []llm.Item{llm.UserText("go")})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := len(resultsOf(res.Items)); got != n {
			t.Fatalf("got %d results for %d calls", got, n)
		}
		if open := llm.Unresolved(res.Items); len(open) != 0 {
			t.Fatalf("unresolved calls: %v", open)
		}
	})
}
