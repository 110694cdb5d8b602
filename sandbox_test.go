package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/cryguy/sandbox/capability"
	"github.com/cryguy/sandbox/journal"
)

func testCfg() Config {
	return Config{
		WarmCount:        1,
		MaxPoolSize:      2,
		MemoryLimitMB:    64,
		ExecutionTimeout: 2000,
	}
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return e
}

func execJS(e *Engine, source string, caps ...Capability) *Result {
	return e.Execute(context.Background(), &Request{Source: source, Capabilities: caps})
}

func doubleCap() Capability {
	return capability.Func("double", func(_ context.Context, n int) (int, error) {
		return n * 2, nil
	})
}

func failCap(name, msg string) Capability {
	return Capability{
		Name: name,
		Handler: func(context.Context, Args) (any, error) {
			return nil, errors.New(msg)
		},
	}
}

func assertOK(t *testing.T, r *Result) {
	t.Helper()
	require.NoError(t, r.Error)
	assert.False(t, r.Failed())
}

func TestExecute_DoubleCapability(t *testing.T) {
	e := newTestEngine(t, testCfg())

	r := execJS(e, `
		const r = await double(21);
		console.log("result", r);
		return r;`, doubleCap())
	assertOK(t, r)
	assert.Equal(t, "42", r.Output)
	assert.True(t, r.HasOutput)
	assert.Equal(t, []string{"result 42"}, r.Logs)
	assert.Equal(t, 1, r.CapabilityCalls)
	assert.NotEmpty(t, r.ID)
	assert.Greater(t, r.Duration, time.Duration(0))
}

func TestExecute_LoggedCapabilityResult(t *testing.T) {
	e := newTestEngine(t, testCfg())
	r := execJS(e, "const r = await double(21); console.log(r);", doubleCap())
	assertOK(t, r)
	assert.Equal(t, []string{"42"}, r.Logs)
	assert.Equal(t, "42", r.Output)
	assert.True(t, r.HasOutput)
}

func TestExecute_OutputXorError(t *testing.T) {
	e := newTestEngine(t, testCfg())
	sources := []string{
		"return 1",
		"return {a: 1}",
		"throw new Error('x')",
		"return 1 +",
		"await missing()",
		"console.log('only a log')",
		"null.x",
	}
	for _, src := range sources {
		r := execJS(e, src)
		if r.Error != nil {
			assert.Empty(t, r.Output, src)
			assert.False(t, r.HasOutput, src)
		} else {
			assert.True(t, r.HasOutput, src)
		}
	}
}

func TestExecute_ValueFormatting(t *testing.T) {
	e := newTestEngine(t, testCfg())
	cases := []struct {
		src  string
		want string
	}{
		{"return 'plain'", "plain"},
		{"return 3.5", "3.5"},
		{"return true", "true"},
		{"return null", "null"},
		{"return [1, 'a']", "[\n  1,\n  \"a\"\n]"},
	}
	for _, tc := range cases {
		r := execJS(e, tc.src)
		assertOK(t, r)
		assert.Equal(t, tc.want, r.Output, tc.src)
	}
}

func TestExecute_NoCapabilityLeakAcrossLoans(t *testing.T) {
	cfg := testCfg()
	cfg.WarmCount, cfg.MaxPoolSize = 1, 1
	e := newTestEngine(t, cfg)

	secret := capability.Func("secret", func(context.Context, any) (string, error) { return "s3cr3t", nil })
	r := execJS(e, `globalThis.stash = secret; Array.prototype.spy = 1; return await secret();`, secret)
	assertOK(t, r)
	assert.Equal(t, "s3cr3t", r.Output)

	r = execJS(e, `return [typeof secret, typeof stash, typeof [].spy].join(',')`)
	assertOK(t, r)
	assert.Equal(t, "undefined,undefined,undefined", r.Output)
	assert.EqualValues(t, 1, e.Stats().Created)
}

func TestExecute_TimeoutThenReuse(t *testing.T) {
	cfg := testCfg()
	cfg.WarmCount, cfg.MaxPoolSize = 1, 1
	cfg.ExecutionTimeout = 200
	e := newTestEngine(t, cfg)

	start := time.Now()
	r := execJS(e, "for (;;) {}")
	require.Error(t, r.Error)
	assert.ErrorIs(t, r.Error, ErrTimeout)
	assert.Equal(t, KindTimeout, KindOf(r.Error))
	assert.Less(t, time.Since(start), 2*time.Second)

	r = execJS(e, "return 'alive'")
	assertOK(t, r)
	assert.Equal(t, "alive", r.Output)
	assert.EqualValues(t, 1, e.Stats().Disposed)
}

func TestExecute_TimeoutWhileAwaitingCapability(t *testing.T) {
	cfg := testCfg()
	cfg.ExecutionTimeout = 150
	e := newTestEngine(t, cfg)

	var cancelled atomic.Bool
	slow := Capability{
		Name: "slow",
		Handler: func(ctx context.Context, _ Args) (any, error) {
			<-ctx.Done()
			cancelled.Store(true)
			return nil, ctx.Err()
		},
	}
	r := execJS(e, "await slow(); return 'never'", slow)
	assert.ErrorIs(t, r.Error, ErrTimeout)
	assert.Eventually(t, cancelled.Load, time.Second, 10*time.Millisecond)
}

func TestExecute_RequestNarrowsTimeout(t *testing.T) {
	e := newTestEngine(t, testCfg())
	start := time.Now()
	r := e.Execute(context.Background(), &Request{Source: "for (;;) {}", Timeout: 100 * time.Millisecond})
	assert.ErrorIs(t, r.Error, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecute_CatchableCapabilityFailure(t *testing.T) {
	e := newTestEngine(t, testCfg())
	r := execJS(e, `
		try {
			await fail();
			return 'unreachable';
		} catch (e) {
			return e.name + ':' + e.message;
		}`, failCap("fail", "boom"))
	assertOK(t, r)
	assert.Equal(t, "CapabilityError:boom", r.Output)
}

func TestExecute_UncaughtCapabilityFailure(t *testing.T) {
	e := newTestEngine(t, testCfg())
	r := execJS(e, "await fail()", failCap("fail", "boom"))
	require.Error(t, r.Error)
	assert.ErrorIs(t, r.Error, ErrGuestRuntime)
	assert.ErrorIs(t, r.Error, ErrCapability)

	var ee *ExecError
	require.ErrorAs(t, r.Error, &ee)
	assert.Equal(t, "CapabilityError", ee.Name)
	assert.Equal(t, "boom", ee.Message)
}

func TestExecute_PanickingHandler(t *testing.T) {
	e := newTestEngine(t, testCfg())
	boom := Capability{
		Name:    "boom",
		Handler: func(context.Context, Args) (any, error) { panic("kaboom") },
	}
	r := execJS(e, `try { await boom(); } catch (e) { return e.name + ':' + e.message; }`, boom)
	assertOK(t, r)
	assert.Contains(t, r.Output, "CapabilityError:")
	assert.Contains(t, r.Output, "kaboom")

	r = execJS(e, "return await double(2)", doubleCap())
	assertOK(t, r)
	assert.Equal(t, "4", r.Output)
}

func TestExecute_CompositeRoundTrip(t *testing.T) {
	e := newTestEngine(t, testCfg())

	var seen json.RawMessage
	echo := Capability{
		Name:   "echo",
		Params: []string{"value"},
		Handler: func(_ context.Context, args Args) (any, error) {
			seen = append(json.RawMessage(nil), args[0]...)
			return args[0], nil
		},
	}
	r := execJS(e, `
		const v = {s: "héllo \"q\"", n: -1.5, b: false, z: null, list: [1, [2, {k: "v"}]], o: {}};
		const back = await echo(v);
		if (back === v) throw new Error("aliased");
		back.list.push("mutated");
		return JSON.stringify(v);`, echo)
	assertOK(t, r)
	assert.JSONEq(t, `{"s":"héllo \"q\"","n":-1.5,"b":false,"z":null,"list":[1,[2,{"k":"v"}]],"o":{}}`, r.Output)
	assert.JSONEq(t, r.Output, string(seen))
}

func TestExecute_NonSerializableArgument(t *testing.T) {
	e := newTestEngine(t, testCfg())
	r := execJS(e, `
		try { await double(() => 1); } catch (e) { return e.name; }`, doubleCap())
	assertOK(t, r)
	assert.Equal(t, "TypeError", r.Output)
	assert.Equal(t, 0, r.CapabilityCalls)
}

func TestExecute_TooManyArguments(t *testing.T) {
	e := newTestEngine(t, testCfg())
	r := execJS(e, `try { await double(1, 2); } catch (e) { return e.name; }`, doubleCap())
	assertOK(t, r)
	assert.Equal(t, "TypeError", r.Output)
}

func TestExecute_MemoryLimit(t *testing.T) {
	e := newTestEngine(t, testCfg())
	r := e.Execute(context.Background(), &Request{
		Source:        "const a = []; for (;;) a.push('x'.repeat(1 << 20) + a.length);",
		MemoryLimitMB: 16,
	})
	require.Error(t, r.Error)
	assert.ErrorIs(t, r.Error, ErrMemoryLimit)

	r = execJS(e, "return 'recovered'")
	assertOK(t, r)
	assert.Equal(t, "recovered", r.Output)
}

func TestExecute_OutOfMemoryTextIsGuestError(t *testing.T) {
	cfg := testCfg()
	cfg.WarmCount, cfg.MaxPoolSize = 1, 1
	e := newTestEngine(t, cfg)

	sources := []string{
		`throw new Error("upstream cache is out of memory")`,
		`const err = new Error("out of memory"); err.name = "InternalError"; throw err;`,
		`throw { name: "InternalError", message: "out of memory" }`,
	}
	for _, src := range sources {
		r := execJS(e, src)
		require.Error(t, r.Error, src)
		assert.ErrorIs(t, r.Error, ErrGuestRuntime, src)
		assert.NotErrorIs(t, r.Error, ErrMemoryLimit, src)
	}

	r := execJS(e, "await fail()", failCap("fail", "redis: out of memory"))
	require.Error(t, r.Error)
	assert.ErrorIs(t, r.Error, ErrGuestRuntime)
	assert.ErrorIs(t, r.Error, ErrCapability)
	assert.NotErrorIs(t, r.Error, ErrMemoryLimit)

	assert.Zero(t, e.Stats().Disposed)
}

func TestExecute_ControlObjectRefusesGuest(t *testing.T) {
	e := newTestEngine(t, testCfg())
	r := execJS(e, `
		const out = [];
		for (const m of ["reset", "state", "settle", "start"]) {
			try { __sandbox[m](); out.push(m + ":ran"); } catch (e) { out.push(m + ":refused"); }
		}
		return out.join(",");`)
	assertOK(t, r)
	assert.Equal(t, "reset:refused,state:refused,settle:refused,start:refused", r.Output)

	r = execJS(e, `try { __sandbox.reset(); } catch (_) {} return await double(4);`, doubleCap())
	assertOK(t, r)
	assert.Equal(t, "8", r.Output)
}

func TestExecute_CompileError(t *testing.T) {
	e := newTestEngine(t, testCfg())
	r := execJS(e, "const a = 1;\nconst b = ;\nreturn a;")
	require.Error(t, r.Error)
	assert.ErrorIs(t, r.Error, ErrCompile)

	var ee *ExecError
	require.ErrorAs(t, r.Error, &ee)
	assert.Equal(t, 2, ee.Line)
	assert.Positive(t, ee.Column)
	assert.Contains(t, r.Error.Error(), "line 2")
}

func TestExecute_GuestErrors(t *testing.T) {
	e := newTestEngine(t, testCfg())
	cases := []struct {
		src     string
		name    string
		message string
	}{
		{"throw new RangeError('out of range')", "RangeError", "out of range"},
		{"throw 'plain string'", "", "plain string"},
		{"undefinedFunction()", "ReferenceError", ""},
	}
	for _, tc := range cases {
		r := execJS(e, tc.src)
		require.Error(t, r.Error, tc.src)
		assert.ErrorIs(t, r.Error, ErrGuestRuntime, tc.src)
		var ee *ExecError
		require.ErrorAs(t, r.Error, &ee)
		assert.Equal(t, tc.name, ee.Name, tc.src)
		if tc.message != "" {
			assert.Equal(t, tc.message, ee.Message, tc.src)
		}
	}
}

func TestExecute_NeverSettles(t *testing.T) {
	e := newTestEngine(t, testCfg())
	start := time.Now()
	r := execJS(e, "await new Promise(() => {}); return 1")
	assert.ErrorIs(t, r.Error, ErrGuestRuntime)
	assert.Contains(t, r.Error.Error(), "did not settle")
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecute_ConcurrentRuns(t *testing.T) {
	cfg := testCfg()
	cfg.WarmCount, cfg.MaxPoolSize = 2, 2
	e := newTestEngine(t, cfg)

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			r := e.Execute(context.Background(), &Request{
				Source:       fmt.Sprintf("return await double(%d)", i),
				Capabilities: []Capability{doubleCap()},
			})
			if r.Error != nil {
				return r.Error
			}
			if want := fmt.Sprint(i * 2); r.Output != want {
				return fmt.Errorf("run %d: output %q, want %q", i, r.Output, want)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	st := e.Stats()
	assert.LessOrEqual(t, st.Idle, cfg.MaxPoolSize)
	assert.Zero(t, st.OnLoan)
}

func TestExecute_CapabilityCallBudget(t *testing.T) {
	cfg := testCfg()
	cfg.MaxCapabilityCalls = 3
	e := newTestEngine(t, cfg)

	r := execJS(e, `
		let ok = 0, msg = '';
		for (let i = 0; i < 5; i++) {
			try { await double(i); ok++; } catch (e) { msg = e.name + ': ' + e.message; }
		}
		return ok + '|' + msg;`, doubleCap())
	assertOK(t, r)
	assert.True(t, strings.HasPrefix(r.Output, "3|CapabilityError: "), r.Output)
	assert.Contains(t, r.Output, "limit")
	assert.Equal(t, 3, r.CapabilityCalls)
}

func TestExecute_LogCaps(t *testing.T) {
	cfg := testCfg()
	cfg.MaxLogEntries = 5
	cfg.MaxLogMessageSize = 10
	e := newTestEngine(t, cfg)

	r := execJS(e, `
		console.log('x'.repeat(50));
		for (let i = 0; i < 20; i++) console.info('line', i);
		return 'done';`)
	assertOK(t, r)
	require.Len(t, r.Logs, 5)
	assert.Equal(t, strings.Repeat("x", 10)+"...(truncated)", r.Logs[0])
	assert.Equal(t, "line 3", r.Logs[4])
	assert.Equal(t, "info", r.Entries[1].Level)
}

func TestExecute_LastLogFallback(t *testing.T) {
	e := newTestEngine(t, testCfg())
	r := execJS(e, "console.log('first'); log('second');")
	assertOK(t, r)
	assert.Equal(t, "second", r.Output)
	assert.True(t, r.HasOutput)

	r = execJS(e, "const quiet = 1;")
	assertOK(t, r)
	assert.False(t, r.HasOutput)
	assert.Empty(t, r.Output)
}

func TestExecute_LastLogFallbackPastEntryCap(t *testing.T) {
	obs, logs := observer.New(zapcore.DebugLevel)
	cfg := testCfg()
	cfg.MaxLogEntries = 3
	e := newTestEngine(t, cfg, WithLogger(zap.New(obs)))

	r := execJS(e, "for (let i = 0; i < 10; i++) console.log('line', i);")
	assertOK(t, r)
	assert.Len(t, r.Logs, 3)
	assert.Equal(t, 7, r.DroppedLogs)
	assert.Equal(t, "line 9", r.Output)

	finished := logs.FilterMessage("guest run finished").All()
	require.Len(t, finished, 1)
	assert.EqualValues(t, 7, finished[0].ContextMap()["logs_dropped"])
}

func TestExecute_NoLogFallback(t *testing.T) {
	cfg := testCfg()
	cfg.NoLogFallback = true
	e := newTestEngine(t, cfg)

	r := execJS(e, "console.log('only a log');")
	assertOK(t, r)
	assert.False(t, r.HasOutput)
	assert.Empty(t, r.Output)
	assert.Equal(t, []string{"only a log"}, r.Logs)
}

func TestExecute_TypeScript(t *testing.T) {
	e := newTestEngine(t, testCfg())
	r := e.Execute(context.Background(), &Request{
		Source: `
			interface Pair { a: number; b: number }
			const p: Pair = { a: await double(4), b: 1 };
			return p.a + p.b;`,
		Capabilities: []Capability{doubleCap()},
		Language:     TypeScript,
	})
	assertOK(t, r)
	assert.Equal(t, "9", r.Output)
}

func TestExecute_ContextCancel(t *testing.T) {
	e := newTestEngine(t, testCfg())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	r := e.Execute(ctx, &Request{Source: "for (;;) {}"})
	require.Error(t, r.Error)
	assert.ErrorIs(t, r.Error, ErrTimeout)
	assert.ErrorIs(t, r.Error, context.Canceled)

	r = execJS(e, "return 'next'")
	assertOK(t, r)
}

func TestExecute_InvalidRequests(t *testing.T) {
	cfg := testCfg()
	cfg.MaxScriptSizeKB = 1
	e := newTestEngine(t, cfg)

	cases := []struct {
		name string
		req  *Request
	}{
		{"nil", nil},
		{"too large", &Request{Source: strings.Repeat(" ", 2048)}},
		{"bad name", &Request{Source: "1", Capabilities: []Capability{{Name: "a-b", Handler: doubleCap().Handler}}}},
		{"shadows global", &Request{Source: "1", Capabilities: []Capability{{Name: "Math", Handler: doubleCap().Handler}}}},
		{"negative budget", &Request{Source: "1", Timeout: -time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := e.Execute(context.Background(), tc.req)
			assert.ErrorIs(t, r.Error, ErrInvalidRequest)
		})
	}

	r := execJS(e, "return 'still fine'")
	assertOK(t, r)
}

func TestEngine_Shutdown(t *testing.T) {
	e, err := NewEngine(testCfg())
	require.NoError(t, err)

	e.Shutdown()
	e.Shutdown()

	r := execJS(e, "return 1")
	assert.ErrorIs(t, r.Error, ErrClosed)
	assert.Zero(t, e.Stats().Idle)
}

func TestEngine_Journal(t *testing.T) {
	store, err := journal.NewSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := newTestEngine(t, testCfg(), WithRecorder(store))
	execJS(e, "console.log('hi'); return 'ok'")
	execJS(e, "return )")

	entries, err := store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "compile_error", entries[0].Outcome)
	assert.NotEmpty(t, entries[0].Error)
	assert.Equal(t, "success", entries[1].Outcome)
	assert.Equal(t, "ok", entries[1].Output)
	assert.Equal(t, []string{"hi"}, entries[1].Logs)
}

func TestEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := testCfg()
	e := newTestEngine(t, cfg, WithRegisterer(reg))

	execJS(e, "return await double(1)", doubleCap())
	execJS(e, "await fail()", failCap("fail", "no"))

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Executions.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Executions.WithLabelValues("runtime_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.CapabilityCalls.WithLabelValues("double", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.CapabilityCalls.WithLabelValues("fail", "error")))
	assert.Equal(t, float64(cfg.WarmCount), testutil.ToFloat64(e.metrics.IsolatesCreated))

	n, err := testutil.GatherAndCount(reg, "sandbox_execution_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEngine_Logging(t *testing.T) {
	obs, logs := observer.New(zapcore.DebugLevel)
	e := newTestEngine(t, testCfg(), WithLogger(zap.New(obs)))

	r := execJS(e, "console.log('guest line'); return 1")
	assertOK(t, r)

	assert.Equal(t, 1, logs.FilterMessage("sandbox engine started").Len())
	finished := logs.FilterMessage("guest run finished").All()
	require.Len(t, finished, 1)
	assert.Equal(t, r.ID, finished[0].ContextMap()["run_id"])
	assert.Equal(t, "success", finished[0].ContextMap()["outcome"])
	assert.Zero(t, logs.FilterMessageSnippet("guest line").Len())
}

func TestEngine_LogsCapabilityDescriptions(t *testing.T) {
	obs, logs := observer.New(zapcore.DebugLevel)
	e := newTestEngine(t, testCfg(), WithLogger(zap.New(obs)))

	r := execJS(e, "return await double(1)", capability.Describe(doubleCap(), "doubles a number"), failCap("fail", "x"))
	assertOK(t, r)

	bound := logs.FilterMessage("capabilities bound").All()
	require.Len(t, bound, 1)
	assert.Equal(t, []any{"double: doubles a number", "fail"}, bound[0].ContextMap()["capabilities"])
}

func TestEngine_DefaultsFromZeroConfig(t *testing.T) {
	e := newTestEngine(t, Config{})
	want := DefaultConfig()
	want.WarmCount = 0
	assert.Equal(t, want, e.Config())
	assert.Zero(t, e.Stats().Idle)
	assert.NotEmpty(t, e.Backend())
}
