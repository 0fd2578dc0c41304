package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqforge/reqforge/engine/provider/adapter"
)

func testSettings() Settings {
	return Settings{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		CallTimeout:    time.Second,
		Health: HealthSettings{
			FailureWindow:     time.Minute,
			DegradedThreshold: 0.5,
			DownAfterFatals:   2,
			RecoveryCooldown:  50 * time.Millisecond,
			MinWindowSamples:  4,
		},
	}
}

func testConfig(name string, priority int, capabilities ...Capability) Config {
	if len(capabilities) == 0 {
		capabilities = []Capability{CapabilityCompletion, CapabilityEmbedding}
	}
	return Config{
		Name:            name,
		Kind:            KindMock,
		Model:           "mock-model",
		Capabilities:    capabilities,
		Priority:        priority,
		InputCostPer1K:  decimal.RequireFromString("0.5"),
		OutputCostPer1K: decimal.RequireFromString("1.5"),
		Concurrency:     4,
	}
}

func newTestRouter(t *testing.T, configs []Config, mocks map[string]*adapter.MockClient) *Router {
	t.Helper()
	factory := func(cfg *adapter.Config) (adapter.Client, error) {
		mock, ok := mocks[cfg.Name]
		if !ok {
			mock = adapter.NewMockClient(cfg.Name)
			mocks[cfg.Name] = mock
		}
		return mock, nil
	}
	router, err := NewRouter(testSettings(), configs, factory, NewLedger())
	require.NoError(t, err)
	router.sleep = func(context.Context, time.Duration) error { return nil }
	return router
}

func TestRouterComplete(t *testing.T) {
	t.Run("ShouldSucceedOnHealthyProvider", func(t *testing.T) {
		mocks := map[string]*adapter.MockClient{}
		router := newTestRouter(t, []Config{testConfig("primary", 1)}, mocks)
		completion, err := router.Complete(context.Background(), &Request{Prompt: "summarize REQ-42"})
		require.NoError(t, err)
		assert.Equal(t, "primary", completion.Provider)
		assert.NotEmpty(t, completion.Text)
		assert.Equal(t, OutcomeSuccess, completion.Record.Outcome)
		require.Equal(t, 1, router.Ledger().Len())
	})

	t.Run("ShouldRetrySameProviderAndEmitCostRecordPerAttempt", func(t *testing.T) {
		mock := adapter.NewMockClient("primary").
			QueueGenerate(nil, errors.New("request timed out")).
			QueueGenerate(nil, errors.New("request timed out")).
			QueueGenerate(&adapter.GenerateResponse{Content: "done", TokensIn: 10, TokensOut: 5}, nil)
		mocks := map[string]*adapter.MockClient{"primary": mock}
		router := newTestRouter(t, []Config{testConfig("primary", 1)}, mocks)

		completion, err := router.Complete(context.Background(), &Request{Prompt: "hello"})
		require.NoError(t, err)
		assert.Equal(t, "done", completion.Text)

		records := router.Ledger().Records()
		require.Len(t, records, 3)
		assert.Equal(t, OutcomeTimeout, records[0].Outcome)
		assert.Equal(t, OutcomeTimeout, records[1].Outcome)
		assert.Equal(t, OutcomeSuccess, records[2].Outcome)
		for _, record := range records[:2] {
			assert.Zero(t, record.TokensOut, "failed attempts record zero output tokens")
		}
	})

	t.Run("ShouldFailOverToSecondaryWithoutBackoff", func(t *testing.T) {
		primary := adapter.NewMockClient("primary").
			QueueGenerate(nil, errors.New("503 service unavailable: rate limit"))
		secondary := adapter.NewMockClient("secondary")
		mocks := map[string]*adapter.MockClient{"primary": primary, "secondary": secondary}
		router := newTestRouter(t, []Config{testConfig("primary", 1), testConfig("secondary", 2)}, mocks)
		slept := false
		router.sleep = func(context.Context, time.Duration) error {
			slept = true
			return nil
		}

		completion, err := router.Complete(context.Background(), &Request{Prompt: "hello"})
		require.NoError(t, err)
		assert.Equal(t, "secondary", completion.Provider)
		assert.False(t, slept, "failover to a different provider must not back off")
		assert.Equal(t, 1, primary.GenerateCalls())
		assert.Equal(t, 1, secondary.GenerateCalls())
	})

	t.Run("ShouldReturnGenerationFailedAfterBudgetExhausted", func(t *testing.T) {
		mock := adapter.NewMockClient("primary").
			QueueGenerate(nil, errors.New("request timed out"))
		mocks := map[string]*adapter.MockClient{"primary": mock}
		router := newTestRouter(t, []Config{testConfig("primary", 1)}, mocks)

		_, err := router.Complete(context.Background(), &Request{Prompt: "hello"})
		require.Error(t, err)
		code, ok := CodeOf(err)
		require.True(t, ok)
		assert.Equal(t, ErrCodeGenerationFailed, code)
		var perr *Error
		require.ErrorAs(t, err, &perr)
		assert.NotNil(t, perr.Err, "generation failure carries the last cause")
		assert.Equal(t, 3, router.Ledger().Len())
	})

	t.Run("ShouldMarkProviderDownOnAuthFailure", func(t *testing.T) {
		primary := adapter.NewMockClient("primary").
			QueueGenerate(nil, errors.New("401 unauthorized: invalid api key"))
		secondary := adapter.NewMockClient("secondary")
		mocks := map[string]*adapter.MockClient{"primary": primary, "secondary": secondary}
		router := newTestRouter(t, []Config{testConfig("primary", 1), testConfig("secondary", 2)}, mocks)

		completion, err := router.Complete(context.Background(), &Request{Prompt: "hello"})
		require.NoError(t, err)
		assert.Equal(t, "secondary", completion.Provider)

		reports := router.HealthSnapshot()
		states := map[string]HealthState{}
		for _, report := range reports {
			states[report.Provider] = report.State
		}
		assert.Equal(t, HealthDown, states["primary"])
		assert.Equal(t, HealthHealthy, states["secondary"])

		// Subsequent calls skip the down provider entirely.
		_, err = router.Complete(context.Background(), &Request{Prompt: "again"})
		require.NoError(t, err)
		assert.Equal(t, 1, primary.GenerateCalls())
	})

	t.Run("ShouldTreatSecondInvalidResponseAsFatalForCall", func(t *testing.T) {
		mock := adapter.NewMockClient("primary").
			QueueGenerate(&adapter.GenerateResponse{Content: ""}, nil)
		mocks := map[string]*adapter.MockClient{"primary": mock}
		router := newTestRouter(t, []Config{testConfig("primary", 1)}, mocks)

		_, err := router.Complete(context.Background(), &Request{Prompt: "hello"})
		require.Error(t, err)
		// Two invalid responses exclude the provider; budget is not fully spent.
		assert.Equal(t, 2, mock.GenerateCalls())
	})
}

func TestRouterEmbed(t *testing.T) {
	t.Run("ShouldReturnOneVectorPerText", func(t *testing.T) {
		mocks := map[string]*adapter.MockClient{}
		router := newTestRouter(t, []Config{testConfig("embedder", 1, CapabilityEmbedding)}, mocks)
		result, err := router.Embed(context.Background(), []string{"alpha", "beta"})
		require.NoError(t, err)
		require.Len(t, result.Vectors, 2)
		assert.Equal(t, OutcomeSuccess, result.Record.Outcome)
		assert.Positive(t, result.Record.TokensIn)
	})

	t.Run("ShouldRejectProvidersWithoutEmbeddingCapability", func(t *testing.T) {
		mocks := map[string]*adapter.MockClient{}
		router := newTestRouter(t, []Config{testConfig("writer", 1, CapabilityCompletion)}, mocks)
		_, err := router.Embed(context.Background(), []string{"alpha"})
		assert.ErrorIs(t, err, ErrNoProvider)
	})
}

func TestAttemptCost(t *testing.T) {
	cfg := testConfig("primary", 1)

	t.Run("ShouldBillInputAndOutputOnSuccess", func(t *testing.T) {
		cost := attemptCost(&cfg, 2000, 1000, false)
		// 2000/1000*0.5 + 1000/1000*1.5 = 2.5
		assert.True(t, cost.Equal(decimal.RequireFromString("2.5")), cost.String())
	})

	t.Run("ShouldBillNothingOnFailureByDefault", func(t *testing.T) {
		cost := attemptCost(&cfg, 2000, 0, true)
		assert.True(t, cost.IsZero())
	})

	t.Run("ShouldBillInputOnFailureWhenProviderChargesFailures", func(t *testing.T) {
		charging := cfg
		charging.ChargesFailures = true
		cost := attemptCost(&charging, 2000, 0, true)
		assert.True(t, cost.Equal(decimal.RequireFromString("1")), cost.String())
	})
}
