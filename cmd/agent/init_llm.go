package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/OGODEVO/ex-machina/internal/adapter/llm"
	"github.com/OGODEVO/ex-machina/internal/domain"
	"github.com/OGODEVO/ex-machina/internal/infra/config"
	"github.com/OGODEVO/ex-machina/internal/usecase/resilience"
)

// LLMComponents holds all LLM-related components
type LLMComponents struct {
	Registry *llm.Registry
	Policy   *resilience.Policy
}

// initResilience builds the retry/breaker policy shared by every remote
// call. Breaker transitions are published on bus.
func initResilience(cfg *config.Config, bus domain.EventBus, log *slog.Logger) *resilience.Policy {
	rc := cfg.Resilience

	breakers := resilience.NewDisabledRegistry()
	if rc.Breaker.Enabled {
		breakers = resilience.NewBreakerRegistry(resilience.BreakerSettings{
			FailureThreshold: rc.Breaker.FailureThreshold,
			Cooldown:         rc.Breaker.Cooldown,
			OnStateChange: func(label, from, to string) {
				if bus == nil {
					return
				}
				bus.Publish(context.Background(), domain.Event{
					Type:    domain.EventBreakerChanged,
					Payload: breakerPayload(label, from, to),
				})
			},
		}, log)
		log.Info("circuit breakers enabled",
			"failure_threshold", rc.Breaker.FailureThreshold,
			"cooldown", rc.Breaker.Cooldown,
		)
	}

	return &resilience.Policy{
		Breakers: breakers,
		Retry: resilience.RetryOptions{
			MaxRetries: rc.Retry.MaxRetries,
			BaseDelay:  rc.Retry.BaseDelay,
			MaxDelay:   rc.Retry.MaxDelay,
			Logger:     log,
		},
	}
}

func breakerPayload(label, from, to string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"label": label, "from": from, "to": to})
	return data
}

// initLLM creates one provider per configured endpoint, each behind the
// shared policy.
func initLLM(cfg *config.Config, policy *resilience.Policy, log *slog.Logger) (*LLMComponents, error) {
	registry, err := llm.NewRegistryFromConfig(cfg.Providers, policy, log)
	if err != nil {
		return nil, fmt.Errorf("llm providers: %w", err)
	}

	// Every agent route must resolve before anything starts.
	for _, a := range cfg.Agents {
		if _, err := registry.Get(a.Endpoint); err != nil {
			return nil, fmt.Errorf("agent %s: endpoint %s: %w", a.ID, a.Endpoint, err)
		}
	}

	log.Info("llm endpoints ready", "endpoints", registry.List())
	return &LLMComponents{Registry: registry, Policy: policy}, nil
}
