package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysticmarks/llm-runner-router/internal/credentials"
	"github.com/mysticmarks/llm-runner-router/internal/types"
)

func chainIDs(chain []types.ModelDescriptor) []string {
	ids := make([]string, len(chain))
	for i, d := range chain {
		ids[i] = d.ID
	}
	return ids
}

func strategyFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	// cheap & fast & mediocre; pricey & slow & excellent; middle ground.
	f.addBackend(t, "alpha", "fast", 0.5, 0.95, &stubProvider{text: "a"})
	f.addBackend(t, "beta", "smart", 0.95, 0.30, &stubProvider{text: "b"})
	f.addBackend(t, "gamma", "middle", 0.75, 0.70, &stubProvider{text: "c"})
	return f
}

func plainRequest() *types.GenerationRequest {
	return &types.GenerationRequest{Prompt: "Hi", MaxTokens: 5, Temperature: 0}
}

func TestStrategy_QualityFirst(t *testing.T) {
	f := strategyFixture(t)
	require.NoError(t, f.router.SetStrategy(StrategyQualityFirst, nil))

	chain, err := f.router.candidates(plainRequest())
	require.NoError(t, err)
	assert.Equal(t, "beta:smart", chain[0].ID)
}

func TestStrategy_RoundRobinRotates(t *testing.T) {
	f := strategyFixture(t)
	require.NoError(t, f.router.SetStrategy(StrategyRoundRobin, nil))

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		chain, err := f.router.candidates(plainRequest())
		require.NoError(t, err)
		seen[chain[0].ID]++
	}
	assert.Len(t, seen, 3, "round robin must rotate across all candidates")
	for id, count := range seen {
		assert.Equal(t, 2, count, id)
	}
}

func TestStrategy_RandomCoversCandidates(t *testing.T) {
	f := strategyFixture(t)
	require.NoError(t, f.router.SetStrategy(StrategyRandom, nil))

	chain, err := f.router.candidates(plainRequest())
	require.NoError(t, err)
	assert.Len(t, chain, 3)
}

func TestStrategy_CostOptimizedPrefersCheapest(t *testing.T) {
	f := newFixture(t)
	f.addBackend(t, "alpha", "pricey", 0.9, 0.9, &stubProvider{text: "a"})
	f.addBackend(t, "beta", "cheap", 0.9, 0.9, &stubProvider{text: "b"})

	// Reprice beta below alpha.
	require.NoError(t, f.router.Registry().Unregister("beta:cheap"))
	require.NoError(t, f.router.Registry().Register(types.ModelDescriptor{
		ID:                    "beta:cheap",
		ProviderTag:           "beta",
		Capabilities:          []types.Capability{types.CapChat, types.CapCompletion, types.CapStreaming},
		ContextWindow:         16385,
		InputPricePerMillion:  0.01,
		OutputPricePerMillion: 0.01,
	}))
	require.NoError(t, f.router.SetStrategy(StrategyCostOptimized, nil))

	chain, err := f.router.candidates(plainRequest())
	require.NoError(t, err)
	assert.Equal(t, "beta:cheap", chain[0].ID)
}

func TestFilter_CapabilityRequired(t *testing.T) {
	f := newFixture(t)
	f.addBackend(t, "alpha", "chatty", 0.5, 0.5, &stubProvider{text: "a"})

	// A completion-only model cannot serve a tools request.
	req := plainRequest()
	req.Tools = []types.Tool{{Name: "lookup"}}
	chain, err := f.router.candidates(req)
	require.NoError(t, err)
	assert.NotEmpty(t, chain) // stub declares tools capability

	require.NoError(t, f.router.Registry().Unregister("alpha:chatty"))
	require.NoError(t, f.router.Registry().Register(types.ModelDescriptor{
		ID:            "alpha:chatty",
		ProviderTag:   "alpha",
		Capabilities:  []types.Capability{types.CapCompletion},
		ContextWindow: 16385,
	}))
	_, err = f.router.candidates(req)
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestFilter_ContextWindow(t *testing.T) {
	f := newFixture(t)
	f.addBackend(t, "alpha", "tiny", 0.5, 0.5, &stubProvider{text: "a"})
	require.NoError(t, f.router.Registry().Unregister("alpha:tiny"))
	require.NoError(t, f.router.Registry().Register(types.ModelDescriptor{
		ID:            "alpha:tiny",
		ProviderTag:   "alpha",
		Capabilities:  []types.Capability{types.CapChat, types.CapCompletion},
		ContextWindow: 8,
	}))

	req := plainRequest()
	req.MaxTokens = 100 // estimated demand exceeds the 8-token window
	_, err := f.router.candidates(req)
	require.Error(t, err)
}

// strictStub refuses empty credentials, like the hosted adapters.
type strictStub struct {
	stubProvider
}

func (s *strictStub) Validate(cred credentials.Record) error {
	if cred.Secret == "" {
		return types.NewError(types.KindAuth, "key required")
	}
	return nil
}

func TestFilter_MissingCredentialExcludes(t *testing.T) {
	f := newFixture(t)
	stub := &strictStub{}
	stub.tag = "alpha"
	stub.runner = f.runner
	stub.text = "a"

	f.creds.Set("alpha", "sk-test-0123456789abcdef0123", "")
	require.NoError(t, f.router.RegisterModel(types.ModelDescriptor{
		ID:            "alpha:model",
		ProviderTag:   "alpha",
		Capabilities:  []types.Capability{types.CapChat, types.CapCompletion},
		ContextWindow: 16385,
	}, stub))

	_, err := f.router.candidates(plainRequest())
	require.NoError(t, err, "with a key the candidate passes the filter")

	f.creds.Delete("alpha")
	_, err = f.router.candidates(plainRequest())
	require.Error(t, err, "without a key the candidate is filtered out")
}

func TestFilter_Exclusions(t *testing.T) {
	f := strategyFixture(t)
	require.NoError(t, f.router.SetStrategy(StrategyQualityFirst, &StrategyParams{
		Exclude: []string{"beta:smart"},
	}))

	chain, err := f.router.candidates(plainRequest())
	require.NoError(t, err)
	for _, id := range chainIDs(chain) {
		assert.NotEqual(t, "beta:smart", id)
	}
}

func TestFilter_CostCeiling(t *testing.T) {
	f := strategyFixture(t)
	req := plainRequest()
	req.CostCeiling = 1e-12

	_, err := f.router.candidates(req)
	require.Error(t, err, "every candidate's worst case exceeds the ceiling")
}

func TestBalanced_WeightsRespectParams(t *testing.T) {
	f := strategyFixture(t)
	// All weight on speed: alpha:fast must win.
	require.NoError(t, f.router.SetStrategy(StrategyBalanced, &StrategyParams{
		QualityWeight: 0.0001,
		CostWeight:    0.0001,
		SpeedWeight:   1,
	}))
	chain, err := f.router.candidates(plainRequest())
	require.NoError(t, err)
	assert.Equal(t, "alpha:fast", chain[0].ID)

	// All weight on quality: beta:smart must win.
	require.NoError(t, f.router.SetStrategy(StrategyBalanced, &StrategyParams{
		QualityWeight: 1,
		CostWeight:    0.0001,
		SpeedWeight:   0.0001,
	}))
	chain, err = f.router.candidates(plainRequest())
	require.NoError(t, err)
	assert.Equal(t, "beta:smart", chain[0].ID)
}
